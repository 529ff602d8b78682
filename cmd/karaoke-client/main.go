// Karaoke client CLI.
//
// Sub-commands:
//
//	karaoke-client watch              Follow the shared queue (default)
//	karaoke-client login              Authenticate as admin, save the token
//	karaoke-client logout             Drop admin, delete the saved token
//	karaoke-client add                Queue a song
//	karaoke-client remove             Remove a queue entry
//	karaoke-client move               Reorder a queue entry (admin)
//	karaoke-client swap               Swap two queue entries (admin)
//	karaoke-client play               Advance an entry to now playing (admin)
//	karaoke-client report             File a bug report against a song
//	karaoke-client search             Search the song catalog
//	karaoke-client status             Show saved token and persisted queue
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/UnHolds/KaraokeV2/internal/config"
	"github.com/UnHolds/KaraokeV2/internal/logging"
	"github.com/UnHolds/KaraokeV2/internal/metrics"
	"github.com/UnHolds/KaraokeV2/pkg/cache"
	"github.com/UnHolds/KaraokeV2/pkg/catalog"
	"github.com/UnHolds/KaraokeV2/pkg/client"
	"github.com/UnHolds/KaraokeV2/pkg/playlist"
	"github.com/UnHolds/KaraokeV2/pkg/protocol"
	"github.com/UnHolds/KaraokeV2/pkg/store"
)

func main() {
	cmd := "watch"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "watch":
		cmdWatch(args)
	case "login":
		cmdLogin(args)
	case "logout":
		cmdLogout(args)
	case "add":
		cmdAdd(args)
	case "remove":
		cmdRemove(args)
	case "move":
		cmdMove(args)
	case "swap":
		cmdSwap(args)
	case "play":
		cmdPlay(args)
	case "report":
		cmdReport(args)
	case "search":
		cmdSearch(args)
	case "status":
		cmdStatus(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		os.Exit(2)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: init logging: %v\n", err)
		os.Exit(1)
	}
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN}); err != nil {
			logging.Warn("sentry disabled", logging.Err(err))
		}
	}
	return cfg
}

// app wires the client core together for one process.
type app struct {
	cfg      *config.Config
	session  *client.Session
	machine  *client.Machine
	catalog  *catalog.Client
	songs    *cache.Cache
	playlist *playlist.Synchronizer
	store    *store.Store

	cancel context.CancelFunc
}

func newApp(cfg *config.Config) *app {
	retryCfg := client.DefaultRetry()
	retryCfg.MaxAttempts = cfg.ConnectAttempts

	session := client.NewSession(cfg.ServerURL, retryCfg)
	machine := client.NewMachine(session)
	machine.SetLoginTimeout(cfg.LoginTimeout)

	cat := catalog.New(catalog.Config{BaseURL: cfg.CatalogURL})
	songs := cache.New(cat, cfg.CacheMaxSongs)

	sync := playlist.New(machine, songs)
	sync.SetMutationTimeout(cfg.MutationTimeout)
	machine.OnSnapshot(sync.OnServerSnapshot)
	machine.OnDelta(sync.OnServerDelta)
	machine.OnServerError(sync.OnServerError)
	machine.OnDisconnected(sync.OnDisconnected)
	machine.OnSongInfo(func(info *protocol.SongInfo) { songs.Put(&info.Song) })

	a := &app{
		cfg:      cfg,
		session:  session,
		machine:  machine,
		catalog:  cat,
		songs:    songs,
		playlist: sync,
	}

	if cfg.StorePath != "" {
		st, err := store.Open(cfg.StorePath)
		if err != nil {
			logging.Warn("persistence disabled", logging.Err(err))
		} else {
			a.store = st
		}
	}
	return a
}

// start restores persisted state, spins up the event loops and begins
// connecting. It returns once the loops are running; connection progress
// is observed through the machine's state.
func (a *app) start() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if a.store != nil {
		if doc, err := a.store.LoadPlaylist(); err != nil {
			logging.Warn("restoring playlist failed", logging.Err(err))
		} else if doc != nil {
			a.playlist.RestoreDoc(doc)
		}
		if songs, err := a.store.LoadSongs(24 * time.Hour); err == nil {
			for i := range songs {
				a.songs.Put(&songs[i])
			}
		}
	}

	go a.machine.Run(ctx)
	a.machine.Connect()
	return ctx
}

// stop persists state, tears the connection down and flushes telemetry.
func (a *app) stop() {
	if a.store != nil {
		if err := a.store.SavePlaylist(a.playlist.SnapshotDoc()); err != nil {
			logging.Warn("persisting playlist failed", logging.Err(err))
		}
		if err := a.store.SaveSongs(a.songs.Dump()); err != nil {
			logging.Warn("persisting song cache failed", logging.Err(err))
		}
		a.store.Close()
	}
	a.machine.Disconnect()
	if a.cancel != nil {
		a.cancel()
	}
	sentry.Flush(2 * time.Second)
	logging.Sync()
}

// awaitReady blocks until the session is connected and the first
// authoritative snapshot has been applied.
func (a *app) awaitReady(ctx context.Context) error {
	states, cancel := a.machine.SubscribeState()
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		st := a.machine.State()
		if st.Phase == client.PhaseConnectionFailed {
			return fmt.Errorf("connection failed: %s", st.Reason)
		}
		if st.Phase == client.PhaseConnected && !a.playlist.AwaitingSnapshot() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-states:
		case <-ticker.C:
		}
	}
}

// resumeAdmin re-authenticates with a previously saved token, if one is
// still valid.
func (a *app) resumeAdmin(ctx context.Context) {
	tf, err := client.LoadToken()
	if err != nil || tf.IsExpired(time.Minute) {
		return
	}
	if err := a.machine.LoginWithToken(ctx, tf.Token); err != nil {
		logging.Warn("saved token not accepted", logging.Err(err))
		return
	}
	logging.Info("admin session resumed", logging.String("username", tf.Username))
}

func cmdWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	fs.Parse(args)

	cfg := loadConfig()
	a := newApp(cfg)
	ctx := a.start()
	defer a.stop()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(cfg.MetricsAddr); err != nil {
				logging.Warn("metrics server stopped", logging.Err(err))
			}
		}()
	}

	if err := a.awaitReady(ctx); err != nil {
		fail("%v", err)
	}
	a.resumeAdmin(ctx)

	states, cancelStates := a.machine.SubscribeState()
	defer cancelStates()
	queues, cancelQueues := a.playlist.SubscribeState()
	defer cancelQueues()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case st := <-states:
			fmt.Printf("connection: %s\n", st)
			if st.Phase == client.PhaseConnectionFailed {
				sentry.CaptureMessage("connection failed: " + st.Reason)
			}
		case q := <-queues:
			printQueue(a, q)
		case <-sig:
			fmt.Println("shutting down")
			return
		}
	}
}

func printQueue(a *app, st playlist.State) {
	if np := st.NowPlaying(); np != nil {
		fmt.Printf("now playing: %s\n", describeEntry(a, *np))
	}
	for i, e := range st.Queue {
		marker := " "
		if e.Pending {
			marker = "*"
		}
		fmt.Printf("%s %2d. %s\n", marker, i+1, describeEntry(a, e))
	}
}

func describeEntry(a *app, e playlist.Entry) string {
	song, status := a.songs.Get(context.Background(), e.Song)
	title := fmt.Sprintf("song %d (%s)", e.Song, status)
	if song != nil {
		title = fmt.Sprintf("%s - %s", song.Artist, song.Title)
	}
	if e.Singer != "" {
		return fmt.Sprintf("%s [%s]", title, e.Singer)
	}
	return title
}

func cmdLogin(args []string) {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	username := fs.String("user", "", "Admin username (required)")
	fs.Parse(args)

	if *username == "" {
		fail("-user is required")
	}

	fmt.Print("Password: ")
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		fail("read password: %v", err)
	}

	cfg := loadConfig()
	a := newApp(cfg)
	ctx := a.start()
	defer a.stop()

	if err := a.awaitReady(ctx); err != nil {
		fail("%v", err)
	}
	if err := a.machine.Login(ctx, *username, string(pw)); err != nil {
		fail("login failed: %v", err)
	}

	token := a.machine.Token()
	if token == "" {
		fmt.Println("Logged in (server issued no resume token)")
		return
	}
	tf := &client.TokenFile{
		Token:    token,
		Server:   cfg.ServerURL,
		Username: *username,
	}
	if exp, err := client.TokenExpiry(token); err == nil {
		tf.ExpiresAt = exp
	}
	if err := client.SaveToken(tf); err != nil {
		fail("save token: %v", err)
	}
	fmt.Printf("Logged in as %s, token saved\n", *username)
}

func cmdLogout(args []string) {
	fs := flag.NewFlagSet("logout", flag.ExitOnError)
	local := fs.Bool("local", false, "Only delete the saved token, do not contact the server")
	fs.Parse(args)

	cfg := loadConfig()

	if !*local {
		a := newApp(cfg)
		ctx := a.start()
		if err := a.awaitReady(ctx); err == nil {
			a.resumeAdmin(ctx)
			a.machine.Logout()
		}
		a.stop()
	}

	if err := client.DeleteToken(); err != nil && !os.IsNotExist(err) {
		fail("delete token: %v", err)
	}
	fmt.Println("Logged out")
}

func cmdAdd(args []string) {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	songID := fs.Int64("song", 0, "Catalog song id (required)")
	singer := fs.String("singer", "", "Singer name (defaults to KARAOKE_SINGER)")
	password := fs.String("password", "", "Entry password for later removal")
	fs.Parse(args)

	cfg := loadConfig()
	if *singer == "" {
		*singer = cfg.Singer
	}
	if *songID == 0 {
		fail("-song is required")
	}
	if *singer == "" {
		fail("-singer or KARAOKE_SINGER is required")
	}

	runMutation(cfg, func(a *app) (uuid.UUID, error) {
		return a.playlist.RequestAdd(*songID, *singer, *password)
	})
}

func cmdRemove(args []string) {
	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	entry := fs.String("entry", "", "Queue entry id (required)")
	password := fs.String("password", "", "Entry password (admin removal when omitted)")
	fs.Parse(args)

	id := parseEntryID(*entry)
	cfg := loadConfig()

	runMutation(cfg, func(a *app) (uuid.UUID, error) {
		if *password != "" {
			return a.playlist.RequestRemoveWithPassword(id, *password)
		}
		return a.playlist.RequestRemove(id)
	})
}

func cmdMove(args []string) {
	fs := flag.NewFlagSet("move", flag.ExitOnError)
	entry := fs.String("entry", "", "Queue entry id (required)")
	pos := fs.Int("to", 0, "Target position, 0 = front")
	fs.Parse(args)

	id := parseEntryID(*entry)
	cfg := loadConfig()

	runMutation(cfg, func(a *app) (uuid.UUID, error) {
		return a.playlist.RequestReorder(id, *pos)
	})
}

func cmdSwap(args []string) {
	fs := flag.NewFlagSet("swap", flag.ExitOnError)
	first := fs.String("entry", "", "First queue entry id (required)")
	second := fs.String("with", "", "Second queue entry id (required)")
	fs.Parse(args)

	id := parseEntryID(*first)
	if *second == "" {
		fail("-with is required")
	}
	other, err := uuid.Parse(*second)
	if err != nil {
		fail("invalid entry id %q: %v", *second, err)
	}
	cfg := loadConfig()

	runMutation(cfg, func(a *app) (uuid.UUID, error) {
		return a.playlist.RequestSwap(id, other)
	})
}

func cmdPlay(args []string) {
	fs := flag.NewFlagSet("play", flag.ExitOnError)
	entry := fs.String("entry", "", "Queue entry id (required)")
	fs.Parse(args)

	id := parseEntryID(*entry)
	cfg := loadConfig()

	runMutation(cfg, func(a *app) (uuid.UUID, error) {
		return a.playlist.RequestPlay(id)
	})
}

func cmdReport(args []string) {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	songID := fs.Int64("song", 0, "Catalog song id (required)")
	text := fs.String("text", "", "Report text (required)")
	fs.Parse(args)

	if *songID == 0 || *text == "" {
		fail("-song and -text are required")
	}

	cfg := loadConfig()
	a := newApp(cfg)
	ctx := a.start()
	defer a.stop()

	if err := a.awaitReady(ctx); err != nil {
		fail("%v", err)
	}
	if err := a.playlist.ReportBug(*songID, *text); err != nil {
		fail("report: %v", err)
	}
	fmt.Println("Report sent")
}

func cmdSearch(args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	limit := fs.Int("limit", 20, "Maximum results")
	fs.Parse(args)
	query := strings.Join(fs.Args(), " ")

	cfg := loadConfig()
	cat := catalog.New(catalog.Config{BaseURL: cfg.CatalogURL})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result, err := cat.Search(ctx, query, *limit)
	if err != nil {
		fail("search: %v", err)
	}
	for _, song := range result.Songs {
		fmt.Printf("%6d  %s - %s  (%s)\n",
			song.ID, song.Artist, song.Title,
			(time.Duration(song.Duration) * time.Second).Round(time.Second))
	}
	if result.Total > len(result.Songs) {
		fmt.Printf("(%d of %d matches)\n", len(result.Songs), result.Total)
	}
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	fs.Parse(args)

	cfg := loadConfig()

	if tf, err := client.LoadToken(); err != nil {
		fmt.Println("token: none")
	} else if tf.IsExpired(0) {
		fmt.Printf("token: expired (%s@%s)\n", tf.Username, tf.Server)
	} else {
		fmt.Printf("token: %s@%s, valid until %s\n",
			tf.Username, tf.Server, tf.ExpiresAt.Format(time.RFC3339))
	}

	if cfg.StorePath == "" {
		fmt.Println("store: disabled")
		return
	}
	st, err := store.Open(cfg.StorePath)
	if err != nil {
		fail("open store: %v", err)
	}
	defer st.Close()
	doc, err := st.LoadPlaylist()
	if err != nil {
		fail("load playlist: %v", err)
	}
	if doc == nil {
		fmt.Println("store: no persisted playlist")
		return
	}
	fmt.Printf("store: %d queued, %d played (last save)\n", len(doc.List), len(doc.PlayHistory))
}

// runMutation connects, issues one mutation, waits for its verdict and
// exits nonzero unless the server confirmed it.
func runMutation(cfg *config.Config, issue func(*app) (uuid.UUID, error)) {
	a := newApp(cfg)
	ctx := a.start()
	defer a.stop()

	if err := a.awaitReady(ctx); err != nil {
		fail("%v", err)
	}
	a.resumeAdmin(ctx)

	outcomes := a.playlist.Outcomes()
	defer a.playlist.StopOutcomes(outcomes)

	corr, err := issue(a)
	if err != nil {
		switch {
		case errors.Is(err, client.ErrNotConnected):
			fail("not connected")
		case errors.Is(err, client.ErrForbidden):
			fail("admin required; run 'karaoke-client login' first")
		default:
			fail("%v", err)
		}
	}

	deadline := time.After(cfg.MutationTimeout + 5*time.Second)
	for {
		select {
		case o := <-outcomes:
			if o.CorrelationID != corr {
				continue
			}
			switch o.Kind {
			case playlist.OutcomeConfirmed:
				fmt.Println("ok")
				return
			case playlist.OutcomeRejected:
				fail("rejected: %s", o.Reason)
			case playlist.OutcomeTimedOut:
				fail("no response from server")
			case playlist.OutcomeSuperseded:
				fail("superseded: %s", o.Reason)
			}
		case <-deadline:
			fail("no verdict for mutation")
		}
	}
}

func parseEntryID(s string) uuid.UUID {
	if s == "" {
		fail("-entry is required")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		fail("invalid entry id %q: %v", s, err)
	}
	return id
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
