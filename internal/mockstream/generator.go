package mockstream

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
)

var (
	trunks      = []string{"T001", "X112", ""}
	completions = []string{"A", "B", "E", "T", "I", "O", "D", "S", "U"}
	transfers   = []string{"T", "X", "C", ""}
	oliCodes    = []string{"01", "02", "06", "27"}
)

// Generator builds random SMDR lines in the space-separated layout
// controllers emit. It is safe for concurrent use.
type Generator struct {
	mu  sync.Mutex
	rnd *rand.Rand
	now func() time.Time
}

func NewGenerator(seed int64, now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{rnd: rand.New(rand.NewSource(seed)), now: now}
}

func (g *Generator) between(min, max int) int {
	return min + g.rnd.Intn(max-min+1)
}

func (g *Generator) choice(items []string) string {
	return items[g.rnd.Intn(len(items))]
}

// Line returns one record line without a trailing newline.
func (g *Generator) Line() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	fields := []string{
		now.Format("2006-01-02"),
		fmt.Sprintf("%02d:%02d:%02d", g.between(0, 23), g.between(0, 59), g.between(0, 59)),
		fmt.Sprintf("%d:%02d:%02d", g.between(0, 1), g.between(0, 59), g.between(1, 59)),
		fmt.Sprint(g.between(1000, 8999)),
		fmt.Sprint(g.between(1000, 8999)),
		g.choice(trunks),
		fmt.Sprintf("+1%d", g.between(2000000000, 9999999999)),
		fmt.Sprintf("ACC:%d", g.between(100000, 999999)),
		g.choice(completions),
		g.choice(transfers),
		fmt.Sprintf("CID:%d%d", now.UnixMilli(), g.between(10, 99)),
		fmt.Sprintf("SEQ:%d", g.between(1000, 99999)),
		fmt.Sprintf("ACID:%d", g.between(1000, 99999)),
		"OLI:" + g.choice(oliCodes),
	}
	out := fields[:0]
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return strings.Join(out, " ")
}
