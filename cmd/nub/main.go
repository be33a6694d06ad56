// Nub — demo node.
//
// Starts one node on a UDP endpoint, registers a small demo interface (a
// ping/pong pair and a chat message addressed to named rooms) and optionally
// pings a peer. Two nodes can also be joined over a WebRTC DataChannel after
// a WebSocket signaling exchange (-rtc-listen / -rtc-url).
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/nub/internal/app"
	"github.com/1ureka/nub/internal/config"
	"github.com/1ureka/nub/internal/iface"
	"github.com/1ureka/nub/internal/nub"
	"github.com/1ureka/nub/internal/protocol"
	"github.com/1ureka/nub/internal/router"
	"github.com/1ureka/nub/internal/signaling"
	"github.com/1ureka/nub/internal/transport"
	"github.com/1ureka/nub/internal/util"
)

var version = "dev"

// Demo interface.
const (
	demoInterfaceID uint8 = 1

	msgPing uint8 = 1
	msgPong uint8 = 2
	msgChat uint8 = 3
)

var roomNames = []string{"lobby", "arena"}

type room struct {
	name string
	said int
}

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	configPath := flag.String("config", "", "YAML config file (optional)")
	listen := flag.String("listen", "", "UDP listen address, overrides transport.listen")
	peerFlag := flag.String("peer", "", "UDP peer to ping, ip:port")
	count := flag.Int("count", 5, "Number of pings to send")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	rtcListen := flag.Bool("rtc-listen", false, "Wait for a WebRTC peer via WebSocket signaling")
	rtcURL := flag.String("rtc-url", "", "WebSocket signaling URL of a host to join over WebRTC")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Transport.Listen = *listen
	}
	if *debugMode || cfg.Report.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Nub — v%s", version))
	pterm.Println()

	pongs := make(map[uint32]time.Time)
	table, rooms, err := demoTable(pongs)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	n, err := app.NewNode(cfg, table, nil)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	ep, err := transport.ListenUDP(nil, cfg.Transport.Listen)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if err := n.AddEndpoint(ep); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	done := make(chan error, 1)
	go func() { done <- n.Run() }()

	util.StartStatsReporter(ctx, cfg.Report.StatsInterval)
	util.LogSuccess("node %s listening on %s", n.ID(), ep.LocalAddr())

	var peer nub.Address
	switch {
	case *rtcListen:
		peer, err = n.AcceptRTC(ctx)
	case *rtcURL != "":
		var wsURL string
		if wsURL, err = normalizeWSURL(*rtcURL); err == nil {
			peer, err = n.DialRTC(ctx, wsURL)
		}
	case *peerFlag != "":
		peer, err = nub.ParseAddress(*peerFlag)
	}
	if err != nil {
		util.LogError("%v", err)
		shutdown(n, done)
		os.Exit(1)
	}

	if !peer.IsNone() {
		go ping(ctx, n, peer, *count, pongs)
	}

	<-ctx.Done()
	shutdown(n, done)
	util.LogInfo("rooms: %s", summary(rooms))
}

// shutdown stops the loop and releases the node.
func shutdown(n *app.Node, done <-chan error) {
	n.Stop()
	if err := <-done; err != nil {
		util.LogError("dispatcher: %v", err)
	}
	if err := n.Close(); err != nil {
		util.LogWarning("close: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Demo interface
// ---------------------------------------------------------------------------

// demoTable registers the demo interface. pongs maps ping ids to send times;
// it is only touched on the dispatch goroutine.
func demoTable(pongs map[uint32]time.Time) (*iface.Table, *router.Registry[*room], error) {
	reg := router.NewRegistry[*room]()
	for _, name := range roomNames {
		if err := reg.Add(router.TargetIDOf(name), nub.None, &room{name: name}); err != nil {
			return nil, nil, err
		}
	}

	table := iface.NewTable()
	_, err := table.Register(demoInterfaceID, "demo",
		iface.MessageDescriptor{
			ID:       msgPing,
			Name:     "ping",
			Length:   protocol.Fixed(4),
			HasReply: true,
			ReplyID:  msgPong,
			Handler: iface.HandlerFunc(func(src nub.Address, hdr protocol.Header, r *protocol.Reader) ([]byte, error) {
				id, err := r.Uint32()
				if err != nil {
					return nil, err
				}
				util.LogInfo("ping %d from %s", id, src)
				return binary.LittleEndian.AppendUint32(nil, id), nil
			}),
		},
		iface.MessageDescriptor{
			ID:     msgPong,
			Name:   "pong",
			Length: protocol.Fixed(4),
			Handler: iface.HandlerFunc(func(src nub.Address, hdr protocol.Header, r *protocol.Reader) ([]byte, error) {
				id, err := r.Uint32()
				if err != nil {
					return nil, err
				}
				if sent, ok := pongs[id]; ok {
					delete(pongs, id)
					util.LogInfo("pong %d from %s in %s", id, src, time.Since(sent).Round(time.Microsecond))
				}
				return nil, nil
			}),
		},
		iface.MessageDescriptor{
			ID:         msgChat,
			Name:       "chat",
			Length:     protocol.Variable(2),
			Addressing: iface.ByTargetID,
			Handler: router.Targeted(reg, func(rm *room, src nub.Address, hdr protocol.Header, r *protocol.Reader) ([]byte, error) {
				text, err := io.ReadAll(r)
				if err != nil {
					return nil, err
				}
				rm.said++
				util.LogInfo("[%s] %s: %s", rm.name, src, text)
				return nil, nil
			}),
		},
	)
	if err != nil {
		return nil, nil, err
	}
	return table, reg, nil
}

// ping sends count reliable pings and a chat line per room to peer.
func ping(ctx context.Context, n *app.Node, peer nub.Address, count int, pongs map[uint32]time.Time) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for i := 1; i <= count; i++ {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}

		id := uint32(i)
		n.Post(func() {
			pongs[id] = time.Now()
			if err := n.Send(peer, demoInterfaceID, msgPing, binary.LittleEndian.AppendUint32(nil, id), true); err != nil {
				util.LogWarning("ping %d: %v", id, err)
			}
			for _, name := range roomNames {
				line := router.WithTarget(router.TargetIDOf(name), []byte(fmt.Sprintf("hello #%d", id)))
				if err := n.Send(peer, demoInterfaceID, msgChat, line, false); err != nil {
					util.LogWarning("chat %s: %v", name, err)
				}
			}
		})
	}
}

func summary(reg *router.Registry[*room]) string {
	parts := make([]string, 0, len(roomNames))
	for _, name := range roomNames {
		rm, err := reg.ByID(nub.None, router.TargetIDOf(name))
		if err != nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%d", rm.name, rm.said))
	}
	return strings.Join(parts, " ")
}

// normalizeWSURL validates and normalizes a raw WebSocket URL string, keeping
// the PIN query.
func normalizeWSURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	out := fmt.Sprintf("%s://%s%s", scheme, u.Host, signaling.Path)
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	return out, nil
}
