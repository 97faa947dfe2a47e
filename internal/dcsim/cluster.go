package dcsim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"dev.c0redev.mtsession/internal/proto"
)

// Options for NewCluster.
type Options struct {
	Clock         clock.Clock     // nil: wall clock
	Logger        *zerolog.Logger // nil: disabled
	GzipThreshold int             // > 0 packs large replies
}

// Cluster: DCs sharing a handler table and a routing view.
type Cluster struct {
	clock         clock.Clock
	log           zerolog.Logger
	gzipThreshold int

	infos   []Info
	servers map[int]*Server

	mu       sync.RWMutex
	handlers map[string]Handler
}

// DefaultInfos: five DCs spread across regions.
func DefaultInfos() []Info {
	return []Info{
		{ID: 1, Country: "US", RTT: 120 * time.Millisecond},
		{ID: 2, Country: "NL", RTT: 40 * time.Millisecond},
		{ID: 3, Country: "US", RTT: 90 * time.Millisecond},
		{ID: 4, Country: "NL", RTT: 60 * time.Millisecond},
		{ID: 5, Country: "SG", RTT: 200 * time.Millisecond},
	}
}

// NewCluster builds one Server per info with the default handlers registered.
func NewCluster(infos []Info, opts Options) (*Cluster, error) {
	if len(infos) == 0 {
		return nil, errors.New("dcsim: no dcs")
	}
	c := &Cluster{
		clock:         opts.Clock,
		log:           zerolog.Nop(),
		gzipThreshold: opts.GzipThreshold,
		servers:       make(map[int]*Server, len(infos)),
		handlers:      make(map[string]Handler),
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	if opts.Logger != nil {
		c.log = opts.Logger.With().Str("component", "dcsim").Logger()
	}
	for _, info := range infos {
		if _, dup := c.servers[info.ID]; dup {
			return nil, fmt.Errorf("dcsim: duplicate dc %d", info.ID)
		}
		s, err := newServer(c, info)
		if err != nil {
			return nil, err
		}
		c.servers[info.ID] = s
		c.infos = append(c.infos, info)
	}
	sort.Slice(c.infos, func(i, j int) bool { return c.infos[i].ID < c.infos[j].ID })
	registerDefaults(c)
	return c, nil
}

// Server for dc, nil if unknown.
func (c *Cluster) Server(dc int) *Server { return c.servers[dc] }

// Servers ordered by id.
func (c *Cluster) Servers() []*Server {
	out := make([]*Server, 0, len(c.infos))
	for _, info := range c.infos {
		out = append(out, c.servers[info.ID])
	}
	return out
}

// Infos routing view, ordered by id.
func (c *Cluster) Infos() []Info {
	return append([]Info(nil), c.infos...)
}

// Register installs h for method name on every DC.
func (c *Cluster) Register(name string, h Handler) {
	c.mu.Lock()
	c.handlers[name] = h
	c.mu.Unlock()
}

func (c *Cluster) handler(name string) (Handler, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handlers[name]
	return h, ok
}

// Send delivers payload to dc in process (same contract as a transport).
func (c *Cluster) Send(ctx context.Context, dc int, payload []byte) ([]byte, error) {
	s := c.servers[dc]
	if s == nil {
		return nil, fmt.Errorf("dcsim: unknown dc %d", dc)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Handle(ctx, payload)
}

func registerDefaults(c *Cluster) {
	c.Register("ping", func(_ context.Context, _ int, m proto.Method) (proto.Reply, error) {
		id, _ := m.Params.Int64("ping_id")
		return proto.Reply{Type: "Pong", Predicate: "pong", Params: proto.Params{"ping_id": id}}, nil
	})
	c.Register("echo", func(_ context.Context, dc int, m proto.Method) (proto.Reply, error) {
		p := m.Params.Clone()
		if p == nil {
			p = proto.Params{}
		}
		p["dc"] = int64(dc)
		return proto.Reply{Type: m.Type, Predicate: "echo", Params: p}, nil
	})
	c.Register("getConfig", func(_ context.Context, dc int, _ proto.Method) (proto.Reply, error) {
		return proto.Reply{Type: "Config", Predicate: "config", Params: proto.Params{
			"this_dc":  int64(dc),
			"dc_count": int64(len(c.infos)),
			"date":     c.clock.Now().Unix(),
		}}, nil
	})
}
