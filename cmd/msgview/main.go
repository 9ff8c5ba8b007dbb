package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/msglist/internal/app"
	"github.com/matheus3301/msglist/internal/config"
	"github.com/matheus3301/msglist/internal/conversation"
	"github.com/matheus3301/msglist/internal/ingest"
	"github.com/matheus3301/msglist/internal/lock"
	"github.com/matheus3301/msglist/internal/profile"
	"github.com/matheus3301/msglist/internal/store"
	"github.com/matheus3301/msglist/internal/tui"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	roomFlag := flag.String("room", "", "room to open (defaults to the most recent)")
	selfFlag := flag.String("self", "", "user id of the viewer (overrides config self_id)")
	flag.Parse()

	cfg, err := config.LoadOrDefault(profile.ConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *selfFlag != "" {
		cfg.SelfID = *selfFlag
	}

	profileName := profile.Resolve(*profileFlag, cfg)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if err := run(profileName, *roomFlag, cfg); err != nil {
		var held *lock.LockHeldError
		if errors.As(err, &held) {
			fmt.Fprintf(os.Stderr, "profile %q is already open in another viewer (PID %d)\n", profileName, held.PID)
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(profileName, roomID string, cfg *config.Config) error {
	var (
		db      *store.DB
		manager *conversation.Manager
		engine  *ingest.Engine
		logger  *zap.Logger
	)
	fxApp := fx.New(
		app.Module(app.Params{Profile: profileName, Program: "msgview", Config: cfg, Quiet: true}),
		fx.Populate(&db, &manager, &engine, &logger),
		fx.NopLogger,
	)

	startCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := fxApp.Start(startCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := fxApp.Stop(stopCtx); err != nil {
			fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
		}
	}()

	if roomID == "" {
		rooms, err := db.ListRooms(1, 0)
		if err != nil {
			return err
		}
		if len(rooms) == 0 {
			return fmt.Errorf("profile %q has no rooms yet, add one with msgctl post", profileName)
		}
		roomID = rooms[0].ID
	}
	room, err := db.GetRoom(roomID)
	if err != nil {
		return err
	}
	if room == nil {
		return fmt.Errorf("room %q not found", roomID)
	}

	session, err := manager.Open(context.Background(), roomID)
	if err != nil {
		return err
	}
	defer session.Close()

	viewer := tui.NewApp(session, tui.Options{
		Profile:  profileName,
		RoomName: room.Name,
		Location: cfg.Location(),
		Logger:   logger.Named("tui"),
		Compose: func(_ context.Context, text string, confidential bool) error {
			return engine.IngestMessage(&store.Message{
				RoomID:    roomID,
				AuthorID:  cfg.SelfID,
				Kind:      store.KindText,
				Body:      text,
				Ephemeral: confidential,
				IsMine:    true,
			})
		},
	})
	return viewer.Run()
}
