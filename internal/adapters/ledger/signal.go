package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/redis/go-redis/v9"
)

// ChangeSignal wakes the SQL ledger's poller when another process commits a
// change, so remote changes are seen sooner than the poll interval.
type ChangeSignal interface {
	// Announce tells other processes that a change was committed.
	Announce(ctx context.Context, changeSeq int64) error
	// Listen calls wake for every remote announcement until ctx is done.
	Listen(ctx context.Context, wake func()) error
	Close() error
}

// DefaultWatchSettle is the quiet window after the last file event before the
// watcher wakes the poller a second time.
const DefaultWatchSettle = 50 * time.Millisecond

// FileWatcher signals changes to a SQLite ledger by watching its directory for
// writes to the database and its WAL. Writes are the announcement, so Announce
// does nothing.
//
// A WAL write is reported before the commit is visible to other connections
// (the commit lands in the mmapped -shm index, which raises no event), so every
// burst of events also gets a trailing wake once the files have been quiet for
// the settle window.
type FileWatcher struct {
	dir    string
	base   string
	settle time.Duration
	mu     sync.Mutex
	watch  *fsnotify.Watcher
}

// NewFileWatcher watches the SQLite file at dbPath.
func NewFileWatcher(dbPath string) (*FileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("resolving ledger path: %w", err)
	}
	dir := filepath.Dir(abs)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}
	return &FileWatcher{dir: dir, base: filepath.Base(abs), settle: DefaultWatchSettle, watch: w}, nil
}

// SetSettle changes the quiet window before the trailing wake. d <= 0 restores
// DefaultWatchSettle. Call it before Listen.
func (f *FileWatcher) SetSettle(d time.Duration) {
	if d <= 0 {
		d = DefaultWatchSettle
	}
	f.mu.Lock()
	f.settle = d
	f.mu.Unlock()
}

// Announce implements ChangeSignal.
func (f *FileWatcher) Announce(context.Context, int64) error { return nil }

// Listen implements ChangeSignal.
func (f *FileWatcher) Listen(ctx context.Context, wake func()) error {
	f.mu.Lock()
	if f.watch == nil {
		f.mu.Unlock()
		return nil
	}
	evs, errs := f.watch.Events, f.watch.Errors
	settle := f.settle
	f.mu.Unlock()

	quiet := time.NewTimer(settle)
	quiet.Stop()
	defer quiet.Stop()
	var trailing <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-trailing:
			trailing = nil
			wake()
		case event, ok := <-evs:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Matches the database, -wal and -shm files.
			if strings.HasPrefix(filepath.Base(event.Name), f.base) {
				wake()
				quiet.Reset(settle)
				trailing = quiet.C
			}
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			return fmt.Errorf("watching ledger file: %w", err)
		}
	}
}

// Close implements ChangeSignal.
func (f *FileWatcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watch == nil {
		return nil
	}
	err := f.watch.Close()
	f.watch = nil
	return err
}

// DefaultRedisChannel is the pub/sub channel ledger changes are announced on.
const DefaultRedisChannel = "opsgate:ledger:changes"

// RedisSignal announces ledger changes over Redis pub/sub. It suits MySQL
// ledgers shared by processes on different hosts, where no file can be watched.
type RedisSignal struct {
	client  *redis.Client
	channel string
	ownsCli bool
}

// NewRedisSignal connects to addr and verifies the connection.
func NewRedisSignal(ctx context.Context, addr, password string, db int, channel string) (*RedisSignal, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis: address is empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: failed to ping server: %w", err)
	}
	s := NewRedisSignalFromClient(client, channel)
	s.ownsCli = true
	return s, nil
}

// NewRedisSignalFromClient uses an existing client. The caller keeps ownership.
func NewRedisSignalFromClient(client *redis.Client, channel string) *RedisSignal {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisSignal{client: client, channel: channel}
}

// Announce implements ChangeSignal.
func (r *RedisSignal) Announce(ctx context.Context, changeSeq int64) error {
	if err := r.client.Publish(ctx, r.channel, strconv.FormatInt(changeSeq, 10)).Err(); err != nil {
		return fmt.Errorf("redis: publish: %w", err)
	}
	return nil
}

// Listen implements ChangeSignal. Our own announcements also wake the poller;
// it skips changes it already emitted.
func (r *RedisSignal) Listen(ctx context.Context, wake func()) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redis: subscribe: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			wake()
		}
	}
}

// Close implements ChangeSignal.
func (r *RedisSignal) Close() error {
	if !r.ownsCli {
		return nil
	}
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("redis: failed to close connection: %w", err)
	}
	return nil
}
