// Command syncctl joins a diagram room as a headless peer. It mirrors the
// room into a local document, logs every change it sees, and can seed or
// nudge nodes so a relay can be exercised without a browser.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cwrk-planet/canvas-sync/internal/logger"
	"github.com/cwrk-planet/canvas-sync/pkg/awareness"
	"github.com/cwrk-planet/canvas-sync/pkg/document"
	"github.com/cwrk-planet/canvas-sync/pkg/hubproto"
	"github.com/cwrk-planet/canvas-sync/pkg/localcache"
	"github.com/cwrk-planet/canvas-sync/pkg/syncclient"

	"github.com/segmentio/ksuid"
)

func main() {
	if err := run(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func run() error {
	urlVar := flag.String("url", "ws://127.0.0.1:8080/hub", "hub endpoint")
	roomVar := flag.String("room", "default", "room to join")
	nameVar := flag.String("name", "", "display name shown to other peers")
	nodeVar := flag.String("node", "", "add a node with this label once synced")
	wanderVar := flag.Duration("wander", 0, "move a random node this often (0 disables)")
	autosaveVar := flag.Duration("autosave", 0, "ask the relay to persist the room this often (0 disables)")
	cacheVar := flag.String("cache", "", "bbolt file used as an offline copy of the room")
	levelVar := flag.String("level", "info", "log level")
	flag.Parse()

	level, err := logger.ParseLevel(*levelVar)
	if err != nil {
		return err
	}
	logger.Init(logger.Config{Service: "syncctl", Env: logger.EnvDev, Level: level})

	name := *nameVar
	if name == "" {
		name = "bot-" + ksuid.New().String()[:6]
	}

	doc := document.New()
	aw := awareness.New(doc.ActorID())
	if err := aw.SetLocalState(map[string]any{"user": map[string]any{"name": name}}); err != nil {
		return err
	}

	opts := syncclient.Options{URL: *urlVar, RoomID: *roomVar, Logger: slog.Default()}
	if *cacheVar != "" {
		cache, err := localcache.Open(*cacheVar)
		if err != nil {
			return fmt.Errorf("open cache: %w", err)
		}
		defer cache.Close()
		opts.Cache = cache
	}

	p, err := syncclient.New(doc, aw, opts)
	if err != nil {
		return err
	}

	doc.OnChange(func(ch document.Change) {
		for _, op := range ch.Patch {
			slog.Info("doc", "origin", ch.Origin, "op", op.Type, "path", op.Path)
		}
	})
	aw.OnChange(func(ch awareness.Change) {
		if ch.Origin == awareness.OriginLocal {
			return
		}
		states := aw.States()
		for _, id := range ch.Added {
			slog.Info("peer online", "client", id, "state", string(states[id]))
		}
		for _, id := range ch.Updated {
			slog.Debug("peer state", "client", id, "state", string(states[id]))
		}
		for _, id := range ch.Removed {
			slog.Info("peer offline", "client", id, "origin", ch.Origin)
		}
	})
	p.OnSaveCompleted(func(res hubproto.SaveResult) {
		if !res.Success {
			slog.Warn("room save failed", "err", res.Error)
		}
	})
	p.OnPeer(func(connID string, joined bool) {
		slog.Info("connection", "conn", connID, "joined", joined, "peers", len(p.Peers()))
	})

	p.OnStatus(func(s syncclient.Status) { slog.Info("status", "status", s) })
	if *nodeVar != "" {
		label := *nodeVar
		p.OnStatus(onFirstSync(func() {
			// status handlers run on the connection goroutine
			go seedNode(doc, label)
		}))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *wanderVar > 0 {
		go wander(ctx, doc, *wanderVar)
	}
	if *autosaveVar > 0 {
		go autosave(ctx, p, *autosaveVar)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	select {
	case err := <-runErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Close(closeCtx); err != nil && !errors.Is(err, syncclient.ErrClosed) {
		slog.Warn("close", "err", err)
	}
	slog.Info("bye", "nodes", len(doc.Nodes()), "edges", len(doc.Edges()))
	return nil
}

// onFirstSync returns a status handler that runs fn the first time the
// provider reports synced. Handlers may be called from several goroutines.
func onFirstSync(fn func()) func(syncclient.Status) {
	var fired atomic.Bool
	return func(s syncclient.Status) {
		if s == syncclient.StatusSynced && fired.CompareAndSwap(false, true) {
			fn()
		}
	}
}

func seedNode(doc *document.Document, label string) {
	id, err := doc.AddNode(document.Node{
		Type:     "rectangle",
		Position: document.Position{X: rand.Float64() * 800, Y: rand.Float64() * 600},
		Attrs:    map[string]string{"label": label},
	})
	if err != nil {
		slog.Error("add node", "err", err)
		return
	}
	slog.Info("node added", "id", id)
}

func wander(ctx context.Context, doc *document.Document, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		nodes := doc.Nodes()
		if len(nodes) == 0 {
			continue
		}
		n := nodes[rand.IntN(len(nodes))]
		pos := document.Position{X: n.Position.X + rand.Float64()*40 - 20, Y: n.Position.Y + rand.Float64()*40 - 20}
		if err := doc.MoveNode(n.ID, pos); err != nil && !errors.Is(err, document.ErrNodeNotFound) {
			slog.Warn("move node", "id", n.ID, "err", err)
		}
	}
}

func autosave(ctx context.Context, p *syncclient.Provider, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		saveCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := p.Save(saveCtx)
		cancel()
		switch {
		case err == nil:
			slog.Info("room saved")
		case errors.Is(err, syncclient.ErrNotConnected):
			slog.Debug("autosave skipped, offline")
		default:
			slog.Warn("autosave failed", "err", err)
		}
	}
}
