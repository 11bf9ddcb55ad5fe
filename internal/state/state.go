package state

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alexjbarnes/dialog-sync/messenger"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.dialog-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	accountPrefix = "account:"
)

var (
	appBucket = []byte("app")

	metaBucket     = []byte("meta")
	channelsBucket = []byte("channels")
	dialogsBucket  = []byte("dialogs")
	messagesBucket = []byte("messages")
	tasksBucket    = []byte("tasks")

	syncStateKey = []byte("sync_state")
)

func accountBucket(id messenger.AccountID) []byte {
	return []byte(accountPrefix + strconv.FormatInt(int64(id), 10))
}

// State wraps a bbolt database holding the durable cache of every
// account. Each account lives in its own top-level bucket.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.dialog-sync/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	return LoadAt(dbPath())
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(appBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Account returns the store of one account, creating its buckets on
// first use.
func (s *State) Account(id messenger.AccountID) (*AccountStore, error) {
	name := accountBucket(id)
	err := s.db.Update(func(tx *bolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(name)
		if err != nil {
			return err
		}

		for _, b := range [][]byte{metaBucket, channelsBucket, dialogsBucket, messagesBucket, tasksBucket} {
			if _, err := root.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("initializing account %d: %w", id, err)
	}

	return &AccountStore{db: s.db, name: name}, nil
}

// Accounts lists every account with stored state.
func (s *State) Accounts() ([]messenger.AccountID, error) {
	var ids []messenger.AccountID

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			rest, ok := strings.CutPrefix(string(name), accountPrefix)
			if !ok {
				return nil
			}

			id, err := strconv.ParseInt(rest, 10, 64)
			if err != nil {
				return nil
			}

			ids = append(ids, messenger.AccountID(id))

			return nil
		})
	})

	return ids, err
}

// DropAccount deletes everything stored for an account, e.g. on logout.
func (s *State) DropAccount(id messenger.AccountID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket(accountBucket(id))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}

		return err
	})
}

// AccountStore is the bbolt-backed messenger.Storage of one account.
type AccountStore struct {
	db   *bolt.DB
	name []byte
}

var _ messenger.Storage = (*AccountStore)(nil)

func (a *AccountStore) view(bucket []byte, fn func(b *bolt.Bucket) error) error {
	return a.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(a.name)
		if root == nil {
			return fmt.Errorf("account bucket %s missing", a.name)
		}

		return fn(root.Bucket(bucket))
	})
}

func (a *AccountStore) update(bucket []byte, fn func(b *bolt.Bucket) error) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(a.name)
		if root == nil {
			return fmt.Errorf("account bucket %s missing", a.name)
		}

		return fn(root.Bucket(bucket))
	})
}

func int64Key(v int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(v))

	return k
}

func keyInt64(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k))
}

// LoadSyncState returns the persisted floor, or the zero state.
func (a *AccountStore) LoadSyncState() (messenger.State, error) {
	var st messenger.State

	err := a.view(metaBucket, func(b *bolt.Bucket) error {
		v := b.Get(syncStateKey)
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &st)
	})

	return st, err
}

// SaveSyncState persists the floor.
func (a *AccountStore) SaveSyncState(st messenger.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}

	return a.update(metaBucket, func(b *bolt.Bucket) error {
		return b.Put(syncStateKey, data)
	})
}

// ChannelPts returns the channel pts table.
func (a *AccountStore) ChannelPts() (map[int64]int, error) {
	out := make(map[int64]int)

	err := a.view(channelsBucket, func(b *bolt.Bucket) error {
		return b.ForEach(func(k, v []byte) error {
			if len(k) != 8 || len(v) != 8 {
				return nil
			}

			out[keyInt64(k)] = int(keyInt64(v))

			return nil
		})
	})

	return out, err
}

// SaveChannelPts stores a channel's pts. A non-positive pts forgets the
// channel.
func (a *AccountStore) SaveChannelPts(channelID int64, pts int) error {
	return a.update(channelsBucket, func(b *bolt.Bucket) error {
		if pts <= 0 {
			return b.Delete(int64Key(channelID))
		}

		return b.Put(int64Key(channelID), int64Key(int64(pts)))
	})
}

// Dialogs returns every stored dialog.
func (a *AccountStore) Dialogs() ([]messenger.Dialog, error) {
	var out []messenger.Dialog

	err := a.view(dialogsBucket, func(b *bolt.Bucket) error {
		return b.ForEach(func(_, v []byte) error {
			var d messenger.Dialog
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}

			out = append(out, d)

			return nil
		})
	})

	return out, err
}

// PutDialogs inserts or replaces dialogs in one transaction.
func (a *AccountStore) PutDialogs(dialogs []messenger.Dialog) error {
	return a.update(dialogsBucket, func(b *bolt.Bucket) error {
		for _, d := range dialogs {
			data, err := json.Marshal(d)
			if err != nil {
				return err
			}

			if err := b.Put(int64Key(int64(d.ID)), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// DeleteDialog removes a dialog and its cached messages.
func (a *AccountStore) DeleteDialog(id messenger.DialogID) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(a.name)
		if root == nil {
			return fmt.Errorf("account bucket %s missing", a.name)
		}

		key := int64Key(int64(id))
		if err := root.Bucket(dialogsBucket).Delete(key); err != nil {
			return err
		}

		err := root.Bucket(messagesBucket).DeleteBucket(key)
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}

		return err
	})
}

// DialogReadMax returns the stored read markers of a dialog, zero if the
// dialog is unknown.
func (a *AccountStore) DialogReadMax(id messenger.DialogID) (inbox, outbox int, err error) {
	err = a.view(dialogsBucket, func(b *bolt.Bucket) error {
		v := b.Get(int64Key(int64(id)))
		if v == nil {
			return nil
		}

		var d messenger.Dialog
		if err := json.Unmarshal(v, &d); err != nil {
			return err
		}

		inbox, outbox = d.ReadInboxMaxID, d.ReadOutboxMaxID

		return nil
	})

	return inbox, outbox, err
}

// StoredMessage is a cached message as kept on disk.
type StoredMessage struct {
	messenger.Message
	Deleted bool `json:"deleted,omitempty"`
}

// PutMessages stores messages grouped under their dialog.
func (a *AccountStore) PutMessages(msgs []messenger.Message) error {
	return a.update(messagesBucket, func(b *bolt.Bucket) error {
		for _, m := range msgs {
			db, err := b.CreateBucketIfNotExists(int64Key(int64(m.Peer)))
			if err != nil {
				return err
			}

			data, err := json.Marshal(StoredMessage{Message: m})
			if err != nil {
				return err
			}

			if err := db.Put(int64Key(int64(m.ID)), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// MarkMessagesAsDeleted flags stored messages as deleted. Unknown ids
// are ignored.
func (a *AccountStore) MarkMessagesAsDeleted(dialog messenger.DialogID, ids []int) error {
	return a.update(messagesBucket, func(b *bolt.Bucket) error {
		db := b.Bucket(int64Key(int64(dialog)))
		if db == nil {
			return nil
		}

		for _, id := range ids {
			key := int64Key(int64(id))

			v := db.Get(key)
			if v == nil {
				continue
			}

			var sm StoredMessage
			if err := json.Unmarshal(v, &sm); err != nil {
				return err
			}

			sm.Deleted = true

			data, err := json.Marshal(sm)
			if err != nil {
				return err
			}

			if err := db.Put(key, data); err != nil {
				return err
			}
		}

		return nil
	})
}

// UpdateDialogsWithDeletedMessages stores dialogs whose counters changed
// because messages were deleted.
func (a *AccountStore) UpdateDialogsWithDeletedMessages(dialogs []messenger.Dialog) error {
	return a.PutDialogs(dialogs)
}

// Messages returns the stored messages of a dialog in id order.
func (a *AccountStore) Messages(dialog messenger.DialogID) ([]StoredMessage, error) {
	var out []StoredMessage

	err := a.view(messagesBucket, func(b *bolt.Bucket) error {
		db := b.Bucket(int64Key(int64(dialog)))
		if db == nil {
			return nil
		}

		return db.ForEach(func(_, v []byte) error {
			var sm StoredMessage
			if err := json.Unmarshal(v, &sm); err != nil {
				return err
			}

			out = append(out, sm)

			return nil
		})
	})

	return out, err
}

// CreatePendingTask appends a task to the durable FIFO.
func (a *AccountStore) CreatePendingTask(task messenger.PendingTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}

	return a.update(tasksBucket, func(b *bolt.Bucket) error {
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		return b.Put(int64Key(int64(seq)), data)
	})
}

// RemovePendingTask deletes a task by id. Removing an unknown id is not
// an error.
func (a *AccountStore) RemovePendingTask(id string) error {
	return a.update(tasksBucket, func(b *bolt.Bucket) error {
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var task messenger.PendingTask
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}

			if task.ID == id {
				return c.Delete()
			}
		}

		return nil
	})
}

// PendingTasks returns recorded tasks in creation order.
func (a *AccountStore) PendingTasks() ([]messenger.PendingTask, error) {
	var tasks []messenger.PendingTask

	err := a.view(tasksBucket, func(b *bolt.Bucket) error {
		return b.ForEach(func(_, v []byte) error {
			var task messenger.PendingTask
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}

			tasks = append(tasks, task)

			return nil
		})
	})

	return tasks, err
}

func dbPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Fail loudly rather than silently writing to the current directory
		// where the database might end up inside a source-controlled tree.
		fmt.Fprintf(os.Stderr, "fatal: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}

	return filepath.Join(dir, ".dialog-sync", "state.db")
}
