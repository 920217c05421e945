package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/google/uuid"
	"github.com/opd-ai/p2psync"
	"github.com/opd-ai/p2psync/config"
	"github.com/opd-ai/p2psync/identity"
	"github.com/opd-ai/p2psync/storage"
	"github.com/opd-ai/p2psync/store"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runService(c *cli.Context) error {
	cfg, _, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	n, err := buildNode(ctx, cfg)
	if err != nil {
		return err
	}
	defer n.Close()

	go logEvents(n.svc.Events())

	if err := n.svc.Start(ctx); err != nil {
		return err
	}
	if err := addConfiguredFolders(ctx, n.svc, cfg.Folders); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "runService",
		"device_id": cfg.DeviceID,
		"folders":   len(n.svc.GetSyncFolders()),
	}).Info("p2psyncd running")

	<-ctx.Done()
	return nil
}

// addConfiguredFolders registers folders from the config file that are not
// persisted yet.
func addConfiguredFolders(ctx context.Context, svc *p2psync.Service, folders []config.Folder) error {
	existing := make(map[string]bool)
	for _, f := range svc.GetSyncFolders() {
		existing[folderKey(f.LocalPath, f.DeviceID)] = true
	}
	for _, f := range folders {
		if existing[folderKey(f.LocalPath, f.DeviceID)] {
			continue
		}
		if _, err := svc.AddSyncFolder(ctx, p2psync.FolderConfig{
			LocalPath:  f.LocalPath,
			RemotePath: f.RemotePath,
			DeviceID:   f.DeviceID,
			AutoSync:   f.AutoSync,
			SyncTypes:  f.SyncTypes,
		}); err != nil {
			return fmt.Errorf("add folder %s: %w", f.LocalPath, err)
		}
	}
	return nil
}

func folderKey(localPath, device string) string {
	return filepath.Clean(localPath) + "\x00" + device
}

func logEvents(events <-chan p2psync.Event) {
	for ev := range events {
		logrus.WithFields(logrus.Fields{
			"event":     string(ev.Type),
			"device_id": ev.DeviceID,
			"folder_id": ev.FolderID,
			"file_id":   ev.FileID,
			"path":      ev.Path,
			"via":       ev.Via,
			"count":     ev.Count,
		}).Info("Event")
	}
}

func syncOnce(c *cli.Context) error {
	cfg, _, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	n, err := buildNode(ctx, cfg)
	if err != nil {
		return err
	}
	defer n.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		showProgress(n.svc.Events())
	}()

	if err := n.svc.Start(ctx); err != nil {
		return err
	}
	res, err := n.svc.SyncFolder(ctx, c.String("folder"))
	_ = n.svc.Close()
	<-done
	if err != nil {
		return err
	}

	fmt.Printf("Synced %d file(s), %d via relay\n", res.FilesSynced, res.FilesRelayed)
	if res.Err != nil {
		return res.Err
	}
	return nil
}

// showProgress renders sync-progress events until the event stream closes.
func showProgress(events <-chan p2psync.Event) {
	var bar *pb.ProgressBar
	for ev := range events {
		switch ev.Type {
		case p2psync.EventSyncStarted:
			bar = pb.StartNew(ev.FileCount)
		case p2psync.EventSyncProgress:
			if bar != nil {
				bar.SetCurrent(int64(ev.Current))
			}
		case p2psync.EventSyncCompleted, p2psync.EventRelayQueued:
			if bar != nil {
				bar.Finish()
				bar = nil
			}
		}
	}
	if bar != nil {
		bar.Finish()
	}
}

func openFolders(c *cli.Context) (*storage.FolderDB, *config.Config, error) {
	cfg, _, err := loadConfig(c)
	if err != nil {
		return nil, nil, err
	}
	db, _, err := storage.Open(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}
	return db, cfg, nil
}

func addFolder(c *cli.Context) error {
	db, cfg, err := openFolders(c)
	if err != nil {
		return err
	}
	defer db.Close()

	local, err := filepath.Abs(c.String("path"))
	if err != nil {
		return err
	}
	device := c.String("device")
	if device == cfg.DeviceID {
		return errors.New("cannot sync a folder to this device")
	}
	remote := c.String("remote")
	if remote == "" {
		remote = filepath.Base(local)
	}

	folder := p2psync.SyncFolder{
		ID:         uuid.NewString(),
		LocalPath:  local,
		RemotePath: remote,
		DeviceID:   device,
		AutoSync:   c.Bool("auto"),
		SyncTypes:  c.StringSlice("type"),
	}
	if err := db.SaveFolder(c.Context, folder); err != nil {
		return err
	}
	fmt.Println(folder.ID)
	return nil
}

func listFolders(c *cli.Context) error {
	db, _, err := openFolders(c)
	if err != nil {
		return err
	}
	defer db.Close()

	folders, err := db.LoadFolders(c.Context)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLOCAL\tREMOTE\tDEVICE\tAUTO\tTYPES\tLAST SYNC")
	for _, f := range folders {
		last := "never"
		if !f.LastSync.IsZero() {
			last = f.LastSync.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			f.ID, f.LocalPath, f.RemotePath, f.DeviceID, f.AutoSync, strings.Join(f.SyncTypes, ","), last)
	}
	return w.Flush()
}

func removeFolder(c *cli.Context) error {
	db, _, err := openFolders(c)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.DeleteFolder(c.Context, c.String("id"))
}

func runMailbox(c *cli.Context) error {
	ctx, cancel := signalContext()
	defer cancel()

	hub := store.NewHub(c.String("token"))
	srv := &http.Server{
		Addr:              c.String("listen"),
		Handler:           hub,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.WithFields(logrus.Fields{
			"function": "runMailbox",
			"listen":   srv.Addr,
		}).Info("Mailbox hub listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return hub.Close()
}

func issueToken(c *cli.Context) error {
	token, err := identity.IssueToken([]byte(c.String("secret")), c.String("user"), c.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
