// Package clientversion tracks which client build each user runs and
// computes the generally-available version per client type. Requests from
// versions older than GA can be rejected so stale CLIs upgrade before
// they hit upstream incompatibilities. Every path here fails open.
package clientversion

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	relay "github.com/llmrelay/llmrelay/internal"
	"github.com/llmrelay/llmrelay/internal/redisstate"
)

const (
	userVersionTTL = 7 * 24 * time.Hour
	gaCacheTTL     = 5 * time.Minute

	// DefaultGAThreshold is how many distinct users must run a version
	// before it counts as generally available.
	DefaultGAThreshold = 2
	minGAThreshold     = 1
	maxGAThreshold     = 10
)

func userVersionKey(clientType, userID string) string {
	return "client_version:" + clientType + ":" + userID
}

func gaVersionKey(clientType string) string {
	return "ga_version:" + clientType
}

// Guard validates client versions against the GA version for their type.
type Guard struct {
	state     *redisstate.Store
	threshold int
	enabled   bool
}

// New builds a Guard. A threshold outside [1,10] falls back to the
// default; enabled=false turns Check into a recorder only.
func New(state *redisstate.Store, threshold int, enabled bool) *Guard {
	if threshold < minGAThreshold || threshold > maxGAThreshold {
		threshold = DefaultGAThreshold
	}
	return &Guard{state: state, threshold: threshold, enabled: enabled}
}

// Check records the caller's version and, when enforcement is on, rejects
// versions older than the current GA version. Any state failure lets the
// request through.
func (g *Guard) Check(ctx context.Context, clientType, version, userID string) error {
	if clientType == "" || version == "" {
		return nil
	}
	g.record(ctx, clientType, version, userID)
	if !g.enabled {
		return nil
	}

	ga := g.gaVersion(ctx, clientType)
	if ga == "" {
		return nil
	}
	if CompareVersions(version, ga) < 0 {
		return fmt.Errorf("client %s %s is below the supported version %s: %w",
			clientType, version, ga, relay.ErrVersionTooOld)
	}
	return nil
}

// record stores the user's current version with a sliding 7d TTL.
func (g *Guard) record(ctx context.Context, clientType, version, userID string) {
	if userID == "" {
		return
	}
	g.state.SetString(ctx, userVersionKey(clientType, userID), version, userVersionTTL)
}

// gaVersion returns the cached GA version, recomputing it from the user
// version keys when the cache expired.
func (g *Guard) gaVersion(ctx context.Context, clientType string) string {
	if ga := g.state.GetString(ctx, gaVersionKey(clientType)); ga != "" {
		return ga
	}

	keys := g.state.Keys(ctx, userVersionKey(clientType, "*"))
	if len(keys) == 0 {
		return ""
	}
	counts := make(map[string]int)
	for _, k := range keys {
		if v := g.state.GetString(ctx, k); v != "" {
			counts[v]++
		}
	}

	ga := ""
	for v, n := range counts {
		if n < g.threshold {
			continue
		}
		if ga == "" || CompareVersions(v, ga) > 0 {
			ga = v
		}
	}
	if ga != "" {
		g.state.SetString(ctx, gaVersionKey(clientType), ga, gaCacheTTL)
	} else {
		slog.DebugContext(ctx, "no ga version yet", slog.String("client_type", clientType))
	}
	return ga
}

// CompareVersions compares dotted numeric versions; non-numeric segments
// compare as zero. Returns -1, 0 or 1.
func CompareVersions(a, b string) int {
	as := strings.Split(strings.TrimPrefix(a, "v"), ".")
	bs := strings.Split(strings.TrimPrefix(b, "v"), ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		av, bv := 0, 0
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
	}
	return 0
}
