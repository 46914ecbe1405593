package storage

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/Pursuit2703/aviasales-tracker/pkg/tracker"
)

const (
	userPrefix  = "user-"
	sequenceKey = "meta-sequence.json"

	maxConflictRetries = 5
)

// errConflict reports that an object changed between read and write.
var errConflict = errors.New("object modified concurrently")

// userDoc is everything stored for one chat user.
type userDoc struct {
	Rules         []*tracker.WatchRule   `json:"rules"`
	Subscriptions []*tracker.Subscription `json:"subscriptions"`
	UserID        int64                   `json:"user_id"`
}

// sequence allocates ids and indexes which user document holds each rule.
type sequence struct {
	RuleOwners       map[int64]int64 `json:"rule_owners,omitempty"`
	NextRule         int64           `json:"next_rule_id"`
	NextSubscription int64           `json:"next_subscription_id"`
}

// Bucket stores one JSON document per user in Cloud Storage or a local directory.
type Bucket struct {
	client    *storage.Client
	logger    *slog.Logger
	now       func() time.Time
	localPath string
	bucket    string
	mu        sync.Mutex
}

// Compile-time interface check.
var _ Store = (*Bucket)(nil)

// NewBucket creates a new bucket store. When localPath is set the client may be nil.
func NewBucket(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Bucket {
	return &Bucket{
		client:    client,
		logger:    logger,
		now:       time.Now,
		localPath: localPath,
		bucket:    bucket,
	}
}

// UserKey generates the object name holding a user's document.
func UserKey(userID int64) string {
	return userPrefix + strconv.FormatInt(userID, 10) + ".json"
}

func retryOptions(ctx context.Context, logger *slog.Logger, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying storage operation after error", "operation", op, "attempt", n, "key", key, "error", err)
		}),
	}
}

// read returns the object and its generation. Missing objects yield ErrNotFound.
func (b *Bucket) read(ctx context.Context, key string) ([]byte, int64, error) {
	if b.localPath != "" {
		data, err := os.ReadFile(filepath.Join(b.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, 0, ErrNotFound
			}
			return nil, 0, fmt.Errorf("read from local storage: %w", err)
		}
		return data, 1, nil
	}

	var data []byte
	var generation int64
	err := retry.Do(
		func() error {
			r, err := b.client.Bucket(b.bucket).Object(key).NewReader(ctx)
			if err != nil {
				if errors.Is(err, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(ErrNotFound)
				}
				return fmt.Errorf("open storage reader: %w", err)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					b.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			data, err = io.ReadAll(r)
			if err != nil {
				return fmt.Errorf("read from storage: %w", err)
			}
			generation = r.Attrs.Generation
			return nil
		},
		retryOptions(ctx, b.logger, "read", key)...,
	)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("load after retries: %w", err)
	}
	return data, generation, nil
}

// write stores data only if the object is still at generation; zero means it must not exist yet.
func (b *Bucket) write(ctx context.Context, key string, data []byte, generation int64) error {
	if b.localPath != "" {
		path := filepath.Join(b.localPath, key)
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return fmt.Errorf("rename in local storage: %w", err)
		}
		return nil
	}

	cond := storage.Conditions{DoesNotExist: true}
	if generation != 0 {
		cond = storage.Conditions{GenerationMatch: generation}
	}

	err := retry.Do(
		func() error {
			w := b.client.Bucket(b.bucket).Object(key).If(cond).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					b.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				if isPreconditionFailed(closeErr) {
					return retry.Unrecoverable(errConflict)
				}
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retryOptions(ctx, b.logger, "write", key)...,
	)
	if err != nil {
		if errors.Is(err, errConflict) {
			return errConflict
		}
		return fmt.Errorf("save after retries: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}

// keys lists object names with the given prefix.
func (b *Bucket) keys(ctx context.Context, prefix string) ([]string, error) {
	var names []string

	if b.localPath != "" {
		entries, err := os.ReadDir(b.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			names = append(names, entry.Name())
		}
		return names, nil
	}

	it := b.client.Bucket(b.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// update applies fn to the JSON object at key, retrying when another writer got there first.
func update[T any](ctx context.Context, b *Bucket, key string, fn func(*T) error) error {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		var v T
		data, generation, err := b.read(ctx, key)
		switch {
		case errors.Is(err, ErrNotFound):
			generation = 0
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(data, &v); err != nil {
				return fmt.Errorf("unmarshal %s: %w", key, err)
			}
		}

		if err := fn(&v); err != nil {
			return err
		}

		out, err := json.MarshalIndent(&v, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal %s: %w", key, err)
		}

		err = b.write(ctx, key, out, generation)
		if errors.Is(err, errConflict) {
			b.logger.Info("Storage object changed concurrently, retrying", "key", key, "attempt", attempt+1)
			continue
		}
		return err
	}
	return fmt.Errorf("update %s: %w", key, errConflict)
}

// nextRuleID allocates a rule id and records userID as its owner.
func (b *Bucket) nextRuleID(ctx context.Context, userID int64) (int64, error) {
	var id int64
	err := update(ctx, b, sequenceKey, func(s *sequence) error {
		s.NextRule++
		id = s.NextRule
		if s.RuleOwners == nil {
			s.RuleOwners = make(map[int64]int64)
		}
		s.RuleOwners[id] = userID
		return nil
	})
	return id, err
}

func (b *Bucket) nextSubscriptionID(ctx context.Context) (int64, error) {
	var id int64
	err := update(ctx, b, sequenceKey, func(s *sequence) error {
		s.NextSubscription++
		id = s.NextSubscription
		return nil
	})
	return id, err
}

// loadUsers reads every user document. Unreadable documents are logged and skipped.
func (b *Bucket) loadUsers(ctx context.Context) ([]*userDoc, error) {
	names, err := b.keys(ctx, userPrefix)
	if err != nil {
		return nil, err
	}

	var docs []*userDoc
	for _, name := range names {
		data, _, err := b.read(ctx, name)
		if err != nil {
			b.logger.Warn("Failed to load user document", "key", name, "error", err)
			continue
		}
		var doc userDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			b.logger.Warn("Failed to decode user document", "key", name, "error", err)
			continue
		}
		docs = append(docs, &doc)
	}
	return docs, nil
}

// ownerOf finds the user holding a rule through the sequence index. Rules
// missing from the index are found by scanning every user and then indexed.
func (b *Bucket) ownerOf(ctx context.Context, ruleID int64) (int64, error) {
	data, _, err := b.read(ctx, sequenceKey)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	if err == nil {
		var seq sequence
		if err := json.Unmarshal(data, &seq); err != nil {
			return 0, fmt.Errorf("unmarshal %s: %w", sequenceKey, err)
		}
		if owner, ok := seq.RuleOwners[ruleID]; ok {
			return owner, nil
		}
	}

	owner, err := b.scanOwner(ctx, ruleID)
	if err != nil {
		return 0, err
	}
	b.logger.Info("Indexing rule owner", "rule_id", ruleID, "user_id", owner)
	err = update(ctx, b, sequenceKey, func(s *sequence) error {
		if s.RuleOwners == nil {
			s.RuleOwners = make(map[int64]int64)
		}
		s.RuleOwners[ruleID] = owner
		return nil
	})
	if err != nil {
		b.logger.Warn("Failed to index rule owner", "rule_id", ruleID, "error", err)
	}
	return owner, nil
}

func (b *Bucket) scanOwner(ctx context.Context, ruleID int64) (int64, error) {
	docs, err := b.loadUsers(ctx)
	if err != nil {
		return 0, err
	}
	for _, doc := range docs {
		for _, r := range doc.Rules {
			if r.ID == ruleID {
				return doc.UserID, nil
			}
		}
	}
	return 0, ErrNotFound
}

// AddRule stores a new active rule. Returns ErrDuplicate if one exists for the direction.
func (b *Bucket) AddRule(ctx context.Context, rule *tracker.WatchRule) (int64, error) {
	if err := validateRule(rule); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	exists, err := b.ruleExists(ctx, rule.UserID, rule.Origin, rule.Destination)
	if err != nil {
		return 0, err
	}
	if exists {
		return 0, ErrDuplicate
	}

	id, err := b.nextRuleID(ctx, rule.UserID)
	if err != nil {
		return 0, fmt.Errorf("allocate rule id: %w", err)
	}

	c := cloneRule(rule)
	c.ID = id
	c.Active = true
	c.CreatedAt = b.now().UTC()

	err = update(ctx, b, UserKey(rule.UserID), func(doc *userDoc) error {
		doc.UserID = rule.UserID
		for _, r := range doc.Rules {
			if r.Active && r.Origin == c.Origin && r.Destination == c.Destination {
				return ErrDuplicate
			}
		}
		doc.Rules = append(doc.Rules, c)
		return nil
	})
	if err != nil {
		return 0, err
	}

	b.logger.Info("Watch rule saved", "rule_id", id, "user_id", rule.UserID, "origin", rule.Origin, "destination", rule.Destination)
	return id, nil
}

// ListActiveRules returns all active rules ordered by id.
func (b *Bucket) ListActiveRules(ctx context.Context) ([]*tracker.WatchRule, error) {
	docs, err := b.loadUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}

	var rules []*tracker.WatchRule
	for _, doc := range docs {
		for _, r := range doc.Rules {
			if r.Active {
				rules = append(rules, r)
			}
		}
	}
	slices.SortFunc(rules, func(a, b *tracker.WatchRule) int { return cmp.Compare(a.ID, b.ID) })
	return rules, nil
}

// ListUserRules returns the rules of one user ordered by id.
func (b *Bucket) ListUserRules(ctx context.Context, userID int64, activeOnly bool) ([]*tracker.WatchRule, error) {
	doc, err := b.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	var rules []*tracker.WatchRule
	for _, r := range doc.Rules {
		if r.Active || !activeOnly {
			rules = append(rules, r)
		}
	}
	slices.SortFunc(rules, func(a, b *tracker.WatchRule) int { return cmp.Compare(a.ID, b.ID) })
	return rules, nil
}

func (b *Bucket) loadUser(ctx context.Context, userID int64) (*userDoc, error) {
	data, _, err := b.read(ctx, UserKey(userID))
	if errors.Is(err, ErrNotFound) {
		return &userDoc{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	var doc userDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal user document: %w", err)
	}
	return &doc, nil
}

// UpdateBaseline sets the last observed price of a rule.
func (b *Bucket) UpdateBaseline(ctx context.Context, ruleID int64, price float64) error {
	return b.mutateRule(ctx, ruleID, func(r *tracker.WatchRule) {
		r.LastPrice = &price
	})
}

// DeactivateRule soft-deletes a rule.
func (b *Bucket) DeactivateRule(ctx context.Context, ruleID int64) error {
	return b.mutateRule(ctx, ruleID, func(r *tracker.WatchRule) {
		r.Active = false
	})
}

func (b *Bucket) mutateRule(ctx context.Context, ruleID int64, fn func(*tracker.WatchRule)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	userID, err := b.ownerOf(ctx, ruleID)
	if err != nil {
		return err
	}
	return update(ctx, b, UserKey(userID), func(doc *userDoc) error {
		for _, r := range doc.Rules {
			if r.ID == ruleID {
				fn(r)
				return nil
			}
		}
		return ErrNotFound
	})
}

// DisableRule soft-deletes a rule owned by userID.
func (b *Bucket) DisableRule(ctx context.Context, ruleID, userID int64) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, _, err := b.read(ctx, UserKey(userID)); errors.Is(err, ErrNotFound) {
		return false, nil
	}

	found := false
	err := update(ctx, b, UserKey(userID), func(doc *userDoc) error {
		found = false
		for _, r := range doc.Rules {
			if r.ID == ruleID {
				r.Active = false
				found = true
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// RuleExists reports whether the user has an active rule for the direction.
func (b *Bucket) RuleExists(ctx context.Context, userID int64, origin, destination string) (bool, error) {
	return b.ruleExists(ctx, userID, origin, destination)
}

func (b *Bucket) ruleExists(ctx context.Context, userID int64, origin, destination string) (bool, error) {
	doc, err := b.loadUser(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, r := range doc.Rules {
		if r.Active && r.Origin == origin && r.Destination == destination {
			return true, nil
		}
	}
	return false, nil
}

// AddSubscription stores a new enabled subscription.
func (b *Bucket) AddSubscription(ctx context.Context, sub *tracker.Subscription) (int64, error) {
	if err := validateSubscription(sub); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id, err := b.nextSubscriptionID(ctx)
	if err != nil {
		return 0, fmt.Errorf("allocate subscription id: %w", err)
	}

	c := *sub
	c.ID = id
	c.Enabled = true
	c.CreatedAt = b.now().UTC()

	err = update(ctx, b, UserKey(sub.UserID), func(doc *userDoc) error {
		doc.UserID = sub.UserID
		doc.Subscriptions = append(doc.Subscriptions, &c)
		return nil
	})
	if err != nil {
		return 0, err
	}

	b.logger.Info("Subscription saved", "subscription_id", id, "user_id", sub.UserID, "origin", sub.Origin)
	return id, nil
}

// DisableSubscriptions disables all enabled subscriptions of a user.
func (b *Bucket) DisableSubscriptions(ctx context.Context, userID int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, _, err := b.read(ctx, UserKey(userID)); errors.Is(err, ErrNotFound) {
		return 0, nil
	}

	n := 0
	err := update(ctx, b, UserKey(userID), func(doc *userDoc) error {
		n = 0
		for _, s := range doc.Subscriptions {
			if s.Enabled {
				s.Enabled = false
				n++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ListActiveSubscriptions returns enabled subscriptions ordered by id.
func (b *Bucket) ListActiveSubscriptions(ctx context.Context) ([]*tracker.Subscription, error) {
	docs, err := b.loadUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	var subs []*tracker.Subscription
	for _, doc := range docs {
		for _, s := range doc.Subscriptions {
			if s.Enabled {
				subs = append(subs, s)
			}
		}
	}
	slices.SortFunc(subs, func(a, b *tracker.Subscription) int { return cmp.Compare(a.ID, b.ID) })
	return subs, nil
}
