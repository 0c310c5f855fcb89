// Llmrelay is a multi-tenant relay for LLM chat APIs: one gateway that
// speaks the Anthropic, OpenAI, Codex and Gemini wire protocols and
// forwards to whichever configured upstream fits best.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("llmrelay", version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
