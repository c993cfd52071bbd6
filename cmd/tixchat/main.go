package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ticketrow/chatkit/internal/api"
	"github.com/ticketrow/chatkit/internal/channel"
	"github.com/ticketrow/chatkit/internal/chat"
	"github.com/ticketrow/chatkit/internal/config"
	"github.com/ticketrow/chatkit/internal/stats"
	"github.com/ticketrow/chatkit/internal/stubserver"
	"github.com/ticketrow/chatkit/internal/types"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

var (
	serverURL string
	wsURL     string
	email     string
	password  string
	debugAddr string
	stub      bool
	stubAddr  string
)

func main() {
	flag.StringVar(&serverURL, "server", "http://localhost:8000", "marketplace chat API base URL")
	flag.StringVar(&wsURL, "ws", "", "live channel URL (derived from -server when empty)")
	flag.StringVar(&email, "email", "alice@example.com", "account email")
	flag.StringVar(&password, "password", "password", "account password")
	flag.StringVar(&debugAddr, "debug-addr", "", "address to serve /debug/vars on (disabled when empty)")
	flag.BoolVar(&stub, "stub", false, "run an in-process stub backend with seeded accounts")
	flag.StringVar(&stubAddr, "stub-addr", "localhost:8000", "stub backend address")
	flag.Parse()

	logger := log.New(os.Stderr, "[tixchat] ", log.LstdFlags)

	if stub {
		if err := runStub(logger); err != nil {
			logger.Fatal("stub:", err)
		}
	}

	cfg, err := config.NewConfig(serverURL, wsURL, email, password)
	if err != nil {
		logger.Fatal("config:", err)
	}

	apiClient, err := api.NewClient(cfg.ServerURL, logger)
	if err != nil {
		logger.Fatal("api client:", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	self, err := apiClient.Login(ctx, cfg.Email, cfg.Password)
	cancel()
	if err != nil {
		logger.Fatal("login:", err)
	}
	logger.Printf("logged in as %s (id=%d)", self.Username, self.Id)

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	conn, err := channel.Dial(ctx, cfg.WebsocketURL, apiClient.WSHeader(), logger)
	cancel()
	if err != nil {
		logger.Fatal("channel dial:", err)
	}

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()
	if debugAddr != "" {
		go func() {
			if err := http.ListenAndServe(debugAddr, mux); err != nil {
				logger.Println("debug server:", err)
			}
		}()
	}

	engine := chat.NewEngine(logger, apiClient, conn, statsUpdater, self)
	go engine.Run()
	defer engine.Stop()

	unsubscribe := engine.Subscribe(func(snap chat.Snapshot) {
		printBadge(snap)
	})
	defer unsubscribe()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		select {
		case sig := <-sigs:
			return fmt.Errorf("received signal: %s", sig)
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	g.Go(func() error {
		return repl(ctx, engine)
	})

	if err := g.Wait(); err != nil {
		logger.Println(err)
	}
}

func runStub(logger *log.Logger) error {
	signingKey, err := base64.StdEncoding.DecodeString(defaultSigningKey)
	if err != nil {
		return fmt.Errorf("decode signing key: %w", err)
	}

	srv := stubserver.NewServer(stubAddr, signingKey, logger)
	seed := []struct {
		id       int
		username string
		email    string
		kind     types.IdentityKind
	}{
		{1, "alice", "alice@example.com", types.KindUser},
		{2, "bob", "bob@example.com", types.KindOperator},
	}
	for _, acct := range seed {
		if err := srv.SeedAccount(acct.id, acct.username, acct.email, "password", acct.kind); err != nil {
			return fmt.Errorf("seed account: %w", err)
		}
	}

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Println("stub server:", err)
		}
	}()

	// give the listener a moment before the client dials
	time.Sleep(100 * time.Millisecond)
	return nil
}

func printBadge(snap chat.Snapshot) {
	open := "-"
	if snap.Open != nil {
		open = snap.Open.String()
	}
	fmt.Printf("\r[unread=%d open=%s online=%v]\n", snap.TotalUnread, open, snap.Online)

	if snap.Open != nil {
		for _, msg := range snap.Timeline {
			marker := ""
			if msg.State != types.StateConfirmed {
				marker = " (" + string(msg.State) + ")"
			}
			fmt.Printf("  %d: %s%s\n", msg.UserId, msg.Content, marker)
		}
	}
}

func repl(ctx context.Context, engine *chat.Engine) error {
	fmt.Println("commands: /refresh, /open <user> <event>, /close, /quit; anything else sends")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit":
			return nil
		case line == "/refresh":
			if err := engine.Refresh(); err != nil {
				fmt.Println("refresh:", err)
			}
		case line == "/close":
			if err := engine.Close(); err != nil {
				fmt.Println("close:", err)
			}
		case strings.HasPrefix(line, "/open "):
			fields := strings.Fields(line)
			if len(fields) != 3 {
				fmt.Println("usage: /open <user> <event>")
				continue
			}
			userId, err1 := strconv.Atoi(fields[1])
			eventId, err2 := strconv.Atoi(fields[2])
			if err1 != nil || err2 != nil {
				fmt.Println("usage: /open <user> <event>")
				continue
			}
			if err := engine.Open(userId, eventId); err != nil {
				fmt.Println("open:", err)
			}
		default:
			if err := engine.Send(line); err != nil {
				fmt.Println("send:", err)
			}
		}
	}

	return scanner.Err()
}
