package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/dialtone/internal/adapters/rtc"
	signaladapter "github.com/avolkov/dialtone/internal/adapters/signal"
	"github.com/avolkov/dialtone/internal/config"
	"github.com/avolkov/dialtone/internal/core"
	"github.com/avolkov/dialtone/internal/engine"
)

// pendingOffer is the incoming call waiting for a local accept/reject.
type pendingOffer struct {
	from   core.PeerID
	callID core.CallID
	sdp    webrtc.SessionDescription
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	provider, err := rtc.NewProvider()
	if err != nil {
		log.Fatal().Err(err).Msg("media provider init failed")
	}
	factory := rtc.NewFactory(cfg.ICEServers, provider.Selector())

	client, err := signaladapter.Dial(ctx, cfg.SignalURL)
	if err != nil {
		log.Fatal().Err(err).Msg("signaling dial failed")
	}
	defer client.Close()

	constraints := core.MediaConstraints{
		Width:            cfg.Media.Width,
		Height:           cfg.Media.Height,
		FrameRate:        cfg.Media.FrameRate,
		EchoCancellation: cfg.Media.EchoCancellation,
		NoiseSuppression: cfg.Media.NoiseSuppression,
		AutoGainControl:  cfg.Media.AutoGainControl,
	}
	eng := engine.New(provider, factory, client, constraints, cfg.Engine)
	defer eng.Close()

	eng.OnStatusChange(func(st core.CallStatus) {
		fmt.Printf("status: %s\n", st)
	})
	eng.OnRemoteTrack(func(t core.RemoteTrack) {
		fmt.Printf("remote %s track %s\n", t.Kind(), t.ID())
	})

	var pendingMu sync.Mutex
	var pending *pendingOffer
	client.OnOffer(func(from core.PeerID, callID core.CallID, sdp webrtc.SessionDescription) {
		pendingMu.Lock()
		pending = &pendingOffer{from: from, callID: callID, sdp: sdp}
		pendingMu.Unlock()
		fmt.Printf("incoming call from %s (accept / reject)\n", from)
	})
	client.OnEvent(func(ev core.SignalEvent) {
		eng.HandleSignal(ctx, ev)
	})

	go client.Run(ctx)
	go eng.Warmup(ctx)

	takePending := func() *pendingOffer {
		pendingMu.Lock()
		defer pendingMu.Unlock()
		p := pending
		pending = nil
		return p
	}

	fmt.Println("commands: call <peer> | accept | reject | end | mute | camera | filter <id> | quit")
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			fields := strings.Fields(sc.Text())
			if len(fields) == 0 {
				continue
			}
			switch fields[0] {
			case "call":
				if len(fields) < 2 {
					fmt.Println("usage: call <peer>")
					continue
				}
				callID := core.CallID(uuid.NewString())
				if err := eng.Start(ctx, core.PeerID(fields[1]), callID); err != nil {
					fmt.Printf("call failed: %v\n", err)
				}
			case "accept":
				p := takePending()
				if p == nil {
					fmt.Println("no incoming call")
					continue
				}
				if err := eng.Accept(ctx, p.from, p.sdp, p.callID); err != nil {
					fmt.Printf("accept failed: %v\n", err)
				}
			case "reject":
				p := takePending()
				if p == nil {
					fmt.Println("no incoming call")
					continue
				}
				if err := eng.Reject(ctx, p.from, p.callID, "declined"); err != nil {
					fmt.Printf("reject failed: %v\n", err)
				}
			case "end":
				if err := eng.End(ctx); err != nil {
					fmt.Printf("end failed: %v\n", err)
				}
			case "mute":
				fmt.Printf("audio enabled: %v\n", eng.ToggleAudio())
			case "camera":
				fmt.Printf("video enabled: %v\n", eng.ToggleVideo())
			case "filter":
				id := engine.FilterNone
				if len(fields) > 1 {
					id = engine.FilterID(fields[1])
				}
				if err := eng.ApplyFilter(id); err != nil {
					fmt.Printf("filter failed: %v\n", err)
				}
			case "quit":
				cancel()
				return
			default:
				fmt.Println("unknown command")
			}
		}
	}()

	<-ctx.Done()
	_ = eng.End(context.Background())
	log.Info().Msg("client exited")
}
