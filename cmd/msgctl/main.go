package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/msglist/internal/bus"
	"github.com/matheus3301/msglist/internal/confidential"
	"github.com/matheus3301/msglist/internal/config"
	"github.com/matheus3301/msglist/internal/ingest"
	"github.com/matheus3301/msglist/internal/lock"
	"github.com/matheus3301/msglist/internal/logging"
	"github.com/matheus3301/msglist/internal/outbox"
	"github.com/matheus3301/msglist/internal/profile"
	"github.com/matheus3301/msglist/internal/store"
	"go.uber.org/zap"
)

type ctl struct {
	profile string
	cfg     *config.Config
	db      *store.DB
	engine  *ingest.Engine
	logger  *zap.Logger
	jsonOut bool
}

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	cfg, err := config.LoadOrDefault(profile.ConfigPath())
	if err != nil {
		fatal(err)
	}
	profileName := profile.Resolve(*profileFlag, cfg)
	if err := profile.ValidateName(profileName); err != nil {
		fatal(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c, err := open(profileName, cfg, *jsonFlag)
	if err != nil {
		fatal(err)
	}
	defer c.close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "rooms":
		err = c.cmdRooms()
	case "post":
		err = c.cmdPost(args[1:])
	case "notify":
		err = c.cmdNotify(args[1:])
	case "read":
		err = c.cmdRead(ctx, args[1:])
	case "contact":
		err = c.cmdContact(args[1:])
	case "seed":
		err = c.cmdSeed(ctx, args[1:])
	case "pending":
		err = c.cmdPending(ctx)
	case "flush":
		err = c.cmdFlush(ctx)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		c.close()
		fatal(err)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: msgctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  rooms                                      List rooms")
	fmt.Fprintln(os.Stderr, "  post [--mine] [--ephemeral] [--key N] <room> <author> <text>")
	fmt.Fprintln(os.Stderr, "                                             Add a message")
	fmt.Fprintln(os.Stderr, "  notify <room> <text>                       Add a notification row")
	fmt.Fprintln(os.Stderr, "  read <room> <user> <position>              Advance a read position")
	fmt.Fprintln(os.Stderr, "  contact <user> <name> [nickname]           Set a display name")
	fmt.Fprintln(os.Stderr, "  seed <room> [count]                        Add sample history")
	fmt.Fprintln(os.Stderr, "  pending                                    Show receipts waiting for deletion")
	fmt.Fprintln(os.Stderr, "  flush                                      Delete receipted confidential messages")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// open works on the database without the profile lock; a running viewer
// picks the changes up through its watcher.
func open(profileName string, cfg *config.Config, jsonOut bool) (*ctl, error) {
	if err := profile.EnsureDir(profileName); err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Options{
		Path:    profile.LogPath(profileName, "msgctl"),
		Profile: profileName,
		Level:   cfg.Log.Level,
		Stderr:  cfg.Log.Stderr,
	})
	if err != nil {
		return nil, err
	}

	dbPath := cfg.Storage.DBPath
	if dbPath == "" {
		dbPath = profile.DBPath(profileName)
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &ctl{
		profile: profileName,
		cfg:     cfg,
		db:      db,
		engine:  ingest.NewEngine(db, bus.New(), logger),
		logger:  logger,
		jsonOut: jsonOut,
	}, nil
}

func (c *ctl) close() {
	if c.db == nil {
		return
	}
	_ = c.db.Close()
	c.db = nil
	_ = c.logger.Sync()
}

func (c *ctl) cmdRooms() error {
	rooms, err := c.db.ListRooms(100, 0)
	if err != nil {
		return err
	}
	if c.jsonOut {
		outputJSON(rooms)
		return nil
	}
	if len(rooms) == 0 {
		fmt.Println("No rooms found.")
		return nil
	}
	for _, r := range rooms {
		fmt.Printf("%-24s %-24s %6d msgs  last key %d\n", r.ID, r.Name, r.MessageCount, r.LastOrderKey)
	}
	return nil
}

func (c *ctl) cmdPost(args []string) error {
	fs := flag.NewFlagSet("post", flag.ContinueOnError)
	mine := fs.Bool("mine", false, "message was written by this profile's user")
	ephemeral := fs.Bool("ephemeral", false, "confidential view-once message")
	key := fs.Int64("key", 0, "order key (defaults to the next key of the room)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 3 {
		return fmt.Errorf("usage: msgctl post [--mine] [--ephemeral] [--key N] <room> <author> <text>")
	}
	m := &store.Message{
		RoomID:    fs.Arg(0),
		AuthorID:  fs.Arg(1),
		Body:      strings.Join(fs.Args()[2:], " "),
		Kind:      store.KindText,
		OrderKey:  *key,
		Ephemeral: *ephemeral,
		IsMine:    *mine,
	}
	if err := c.engine.IngestMessage(m); err != nil {
		return err
	}
	return c.printMessage(m)
}

func (c *ctl) cmdNotify(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: msgctl notify <room> <text>")
	}
	m := &store.Message{
		RoomID: args[0],
		Kind:   store.KindNotify,
		Body:   strings.Join(args[1:], " "),
	}
	if err := c.engine.IngestMessage(m); err != nil {
		return err
	}
	return c.printMessage(m)
}

func (c *ctl) printMessage(m *store.Message) error {
	if c.jsonOut {
		outputJSON(m)
		return nil
	}
	fmt.Printf("%s  room=%s key=%d\n", m.ID, m.RoomID, m.OrderKey)
	return nil
}

func (c *ctl) cmdRead(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: msgctl read <room> <user> <position>")
	}
	pos, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("position: %w", err)
	}
	changed, err := c.db.SetReadPosition(ctx, store.ReadInfo{RoomID: args[0], UserID: args[1], Position: pos})
	if err != nil {
		return err
	}
	if c.jsonOut {
		outputJSON(map[string]bool{"changed": changed})
		return nil
	}
	if !changed {
		fmt.Println("Read position unchanged (positions only move forward).")
		return nil
	}
	fmt.Printf("%s read %s up to %d\n", args[1], args[0], pos)
	return nil
}

func (c *ctl) cmdContact(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: msgctl contact <user> <name> [nickname]")
	}
	ct := store.Contact{UserID: args[0], Name: args[1]}
	if len(args) > 2 {
		ct.Nickname = args[2]
	}
	return c.db.UpsertContact(&ct)
}

// cmdSeed writes a few days of history spread over two authors, with one
// confidential message and a notification per day.
func (c *ctl) cmdSeed(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: msgctl seed <room> [count]")
	}
	roomID := args[0]
	count := 60
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return fmt.Errorf("count: invalid value %q", args[1])
		}
		count = n
	}
	if err := c.db.UpsertRoom(&store.Room{ID: roomID, Name: roomID}); err != nil {
		return err
	}
	next, err := c.db.NextOrderKey(roomID)
	if err != nil {
		return err
	}

	start := time.Now().Add(-72 * time.Hour)
	step := 72 * time.Hour / time.Duration(count)
	msgs := make([]store.Message, 0, count)
	for i := range count {
		m := store.Message{
			RoomID:   roomID,
			SentAt:   start.Add(time.Duration(i) * step).UnixMilli(),
			OrderKey: next + int64(i),
			Kind:     store.KindText,
			Body:     fmt.Sprintf("message %d", i+1),
		}
		switch {
		case i%20 == 10:
			m.Kind = store.KindNotify
			m.Body = "room settings changed"
		case i%3 == 0:
			m.AuthorID = c.cfg.SelfID
			m.IsMine = true
		default:
			m.AuthorID = "bob"
		}
		if i%17 == 16 && m.AuthorID == "bob" {
			m.Ephemeral = true
			m.Body = "a secret for your eyes only"
		}
		msgs = append(msgs, m)
	}
	for i := range msgs {
		msgs[i].ID = fmt.Sprintf("%s-%d", roomID, msgs[i].OrderKey)
	}
	n, err := c.engine.IngestBatch(ctx, msgs)
	if err != nil {
		return err
	}
	c.logger.Info("seeded room", zap.String("room", roomID), zap.Int("count", n))
	if c.jsonOut {
		outputJSON(map[string]int{"seeded": n})
		return nil
	}
	fmt.Printf("Seeded %d messages into %s\n", n, roomID)
	return nil
}

func (c *ctl) cmdPending(ctx context.Context) error {
	receipts, err := c.db.PendingViewReceipts(ctx)
	if err != nil {
		return err
	}
	counts, err := c.db.OutboxCounts()
	if err != nil {
		return err
	}
	if c.jsonOut {
		outputJSON(map[string]any{"receipts": receipts, "outbox": counts})
		return nil
	}
	fmt.Printf("Pending deletions: %d\n", len(receipts))
	for _, r := range receipts {
		fmt.Printf("  %-24s room=%s author=%s receipted=%s\n", r.MessageID, r.RoomID, r.AuthorID,
			time.UnixMilli(r.ReceiptedAt).Format(time.DateTime))
	}
	fmt.Println("Outbox:")
	for _, status := range []string{"queued", "sending", "sent", "failed"} {
		fmt.Printf("  %-8s %d\n", status, counts[status])
	}
	return nil
}

// cmdFlush takes the profile lock, so it refuses to run next to a viewer
// that owns the flush.
func (c *ctl) cmdFlush(ctx context.Context) error {
	lk, err := lock.Acquire(profile.Dir(c.profile))
	if err != nil {
		return err
	}
	defer func() { _ = lk.Release() }()

	b := bus.New()
	tracker := confidential.New(c.db, outbox.NewDispatcher(c.db, b, c.logger), confidential.Options{
		Bus:    b,
		Logger: c.logger,
	})
	queued, err := tracker.Recover(ctx)
	if err != nil {
		return err
	}
	n, err := tracker.Flush(ctx)
	if err != nil {
		return err
	}
	if c.jsonOut {
		outputJSON(map[string]int{"queued": queued, "deleted": n})
		return nil
	}
	fmt.Printf("Deleted %d of %d receipted messages\n", n, queued)
	return nil
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
