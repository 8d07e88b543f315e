// Command tabletop runs one peer of a host-authoritative board game
// session: `tabletop host` serves the table, `tabletop join <url>` sits
// down at one.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/pterm/pterm/putils"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/quorumgames/tabletop/engine"
	"github.com/quorumgames/tabletop/internal/config"
	"github.com/quorumgames/tabletop/internal/journal"
	"github.com/quorumgames/tabletop/internal/netx"
	"github.com/quorumgames/tabletop/internal/session"
)

func main() {
	if len(os.Args) < 2 || (os.Args[1] != "host" && os.Args[1] != "join") {
		fmt.Fprintf(os.Stderr, "usage: %s host | join [url]\n", os.Args[0])
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	_ = pterm.DefaultBigText.WithLetters(
		putils.LettersFromStringWithStyle("Table", pterm.FgCyan.ToStyle()),
		putils.LettersFromStringWithStyle("top", pterm.FgDarkGray.ToStyle()),
	).Render()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch os.Args[1] {
	case "host":
		err = runHost(ctx, cfg, log)
	case "join":
		url := cfg.HostURL
		if len(os.Args) > 2 {
			url = os.Args[2]
		}
		err = runClient(ctx, cfg, log, url)
	}
	if err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("session ended with error")
	}
}

func runHost(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	var jr *journal.Journal
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		jr = journal.New(rdb, log, "")
		log.WithField("addr", cfg.RedisAddr).Info("action journal enabled")
	}

	settings := engine.DefaultSettings()
	settings.MaxPlayers = cfg.MaxPlayers
	settings.PlayersPerPeer = cfg.PlayersPerPeer

	host := session.NewHost(session.HostConfig{
		Board:             engine.DefaultBoard(),
		Settings:          settings,
		Engine:            engine.NewTokenRaceEngine(true),
		Logger:            log,
		Journal:           jr,
		StaleConnTimeout:  cfg.HeartbeatTimeout,
		OnSnapshotApplied: renderSnapshot,
	})
	go host.Run(ctx)

	listener := netx.NewListener(cfg.ListenAddr, log, host.Attach)
	go func() {
		if err := listener.ListenAndServe(ctx); err != nil {
			log.WithError(err).Error("listener failed")
		}
	}()

	name, _ := pterm.DefaultInteractiveTextInput.
		WithDefaultText("Enter your player name").Show()
	if strings.TrimSpace(name) == "" {
		name = "Host"
	}
	if err := host.AddLocalPlayers([]string{name}); err != nil {
		return err
	}

	pterm.Info.Println("Commands: start | roll <player#> | select <player#> <token#> | pause | resume | kick <peer-id> | state | quit")
	return commandLoop(ctx, func(fields []string) error {
		switch fields[0] {
		case "start":
			res, err := host.StartGame()
			if err != nil {
				return err
			}
			if !res.Success {
				pterm.Warning.Println(res.Err)
			}
		case "roll", "select":
			s, err := host.Snapshot()
			if err != nil {
				return err
			}
			playerID, perr := pickPlayer(s, fields, 1)
			if perr != nil {
				pterm.Warning.Println(perr.Error())
				return nil
			}
			var res engine.Result
			if fields[0] == "roll" {
				res, err = host.SubmitAction(playerID, engine.ActionRollDice, nil)
			} else {
				if len(fields) < 3 {
					pterm.Warning.Println("usage: select <player#> <token#>")
					return nil
				}
				res, err = host.SubmitAction(playerID, engine.ActionSelectToken,
					map[string]any{"tokenId": atoiOr(fields[2], -1)})
			}
			if err != nil {
				return err
			}
			if !res.Success {
				pterm.Warning.Println(res.Err)
			}
		case "pause":
			return host.Pause()
		case "resume":
			return host.Resume()
		case "kick":
			if len(fields) < 2 {
				pterm.Warning.Println("usage: kick <peer-id>")
				return nil
			}
			peerID, err := uuid.Parse(fields[1])
			if err != nil {
				pterm.Warning.Println("bad peer id")
				return nil
			}
			return host.Kick(peerID)
		case "state":
			if s, err := host.Snapshot(); err == nil {
				renderSnapshot(s)
			}
		default:
			pterm.Warning.Printfln("unknown command %q", fields[0])
		}
		return nil
	})
}

func runClient(ctx context.Context, cfg config.Config, log *logrus.Logger, url string) error {
	name, _ := pterm.DefaultInteractiveTextInput.
		WithDefaultText("Enter your player name").Show()
	if strings.TrimSpace(name) == "" {
		name = "Guest"
	}

	client := session.NewClient(session.ClientConfig{
		PlayerNames:       []string{name},
		Engine:            engine.NewTokenRaceEngine(false),
		Logger:            log,
		Dial:              func(ctx context.Context) (netx.Conn, error) { return netx.Dial(ctx, url) },
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		MaxReconnects:     5,
		OnSnapshotApplied: renderSnapshot,
		OnKicked:          func() { pterm.Error.Println("You were kicked from the game.") },
		OnJoinRejected:    func(reason string) { pterm.Error.Printfln("Join rejected: %s", reason) },
	})

	errCh := make(chan error, 1)
	go func() { errCh <- client.Run(ctx) }()

	pterm.Info.Println("Commands: roll | select <token#> | pause | resume | state | quit")
	loopErr := commandLoop(ctx, func(fields []string) error {
		s := client.Snapshot()
		switch fields[0] {
		case "roll", "select":
			if s == nil {
				pterm.Warning.Println("no game state yet")
				return nil
			}
			mine := ownPlayer(s, client.ID())
			if mine == nil {
				pterm.Warning.Println("you have no seat")
				return nil
			}
			var err error
			if fields[0] == "roll" {
				err = client.SubmitAction(mine.ID, engine.ActionRollDice, nil)
			} else {
				if len(fields) < 2 {
					pterm.Warning.Println("usage: select <token#>")
					return nil
				}
				err = client.SubmitAction(mine.ID, engine.ActionSelectToken,
					map[string]any{"tokenId": atoiOr(fields[1], -1)})
			}
			if err != nil {
				pterm.Warning.Println(err.Error())
			}
		case "pause":
			client.ProposePause()
		case "resume":
			client.ProposeResume()
		case "state":
			if s != nil {
				renderSnapshot(s)
			}
		default:
			pterm.Warning.Printfln("unknown command %q", fields[0])
		}
		return nil
	})
	if loopErr != nil {
		return loopErr
	}
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// commandLoop reads interactive commands until quit or ctx cancellation.
func commandLoop(ctx context.Context, handle func(fields []string) error) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, _ := pterm.DefaultInteractiveTextInput.WithDefaultText(">").Show()
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "quit" || fields[0] == "exit" {
			return nil
		}
		if err := handle(fields); err != nil {
			return err
		}
	}
}

// renderSnapshot prints a compact table view after every applied state.
func renderSnapshot(s *engine.Snapshot) {
	cur := s.CurrentPlayer()
	rows := pterm.TableData{{"#", "Player", "Turns", "Tokens", "Turn?"}}
	for i, p := range s.Players {
		marker := ""
		if cur != nil && cur.ID == p.ID && s.GamePhase == engine.GamePhaseInGame {
			marker = "*"
		}
		tokens := make([]string, len(p.Tokens))
		for j, tok := range p.Tokens {
			switch tok.State {
			case engine.TokenAtStart:
				tokens[j] = "start"
			case engine.TokenDone:
				tokens[j] = "done"
			default:
				tokens[j] = fmt.Sprintf("@%d", tok.Cell)
			}
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", i),
			p.Name,
			fmt.Sprintf("%d", p.TurnsTaken),
			strings.Join(tokens, " "),
			marker,
		})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	pterm.Info.Printfln("v%d  %s / %s  roll=%d", s.Version, s.GamePhase, s.TurnPhase, s.PendingRoll)
}

func ownPlayer(s *engine.Snapshot, peerID uuid.UUID) *engine.Player {
	for i := range s.Players {
		if s.Players[i].PeerID == peerID {
			return &s.Players[i]
		}
	}
	return nil
}

func pickPlayer(s *engine.Snapshot, fields []string, idx int) (uuid.UUID, error) {
	if len(fields) <= idx {
		return uuid.Nil, fmt.Errorf("missing player number")
	}
	n := atoiOr(fields[idx], -1)
	if n < 0 || n >= len(s.Players) {
		return uuid.Nil, fmt.Errorf("no player #%d", n)
	}
	return s.Players[n].ID, nil
}

func atoiOr(s string, def int) int {
	n := 0
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return def
	}
	return n
}
