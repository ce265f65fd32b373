// Package backup mirrors the wallet's proofs to a decentralized
// encrypted backup store reached through a pub/sub transport. Proofs
// travel in containers: opaque encrypted batches addressed by id and
// deleted or replaced as a unit.
package backup

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/nutlock/nutlock/cashu"
	"github.com/nutlock/nutlock/wallet/storage"
	"go.uber.org/zap"
)

// Container is a batch of proofs published as one unit.
type Container struct {
	Id         string       `json:"id"`
	MintURL    string       `json:"mint"`
	Proofs     cashu.Proofs `json:"proofs"`
	Supersedes []string     `json:"supersedes,omitempty"`
	CreatedAt  int64        `json:"created_at"`
}

// Transport is the pub/sub backup channel consumed by Sync. Publish
// returns the id of the new container, or "" with an error. Fetch
// returns all non-deleted containers; implementations may serve a
// cache unless forceRefresh is set.
type Transport interface {
	Publish(ctx context.Context, proofs cashu.Proofs, mintURL string, supersededIds []string) (string, error)
	Fetch(ctx context.Context, forceRefresh bool) ([]Container, error)
	Delete(ctx context.Context, containerIds []string) (bool, error)
}

// ErrPublishFallback signals the publish was not accepted remotely
// but the proofs were recorded locally and are not lost.
var ErrPublishFallback = errors.New("backup publish failed, proofs kept in local fallback record")

var defaultBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

type Sync struct {
	transport Transport
	db        storage.DB
	log       *zap.Logger
	backoff   []time.Duration
}

func NewSync(transport Transport, db storage.DB, log *zap.Logger) *Sync {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sync{
		transport: transport,
		db:        db,
		log:       log,
		backoff:   defaultBackoff,
	}
}

// PublishProofs publishes a batch of proofs to a new container,
// retrying with backoff. When every attempt fails it degrades to a
// local fallback record so the proofs stay tracked, and returns
// ErrPublishFallback.
func (s *Sync) PublishProofs(ctx context.Context, proofs cashu.Proofs, mintURL string,
	supersededIds []string) (string, error) {

	if len(proofs) == 0 && len(supersededIds) == 0 {
		return "", nil
	}

	var lastErr error
	for attempt := 0; attempt < len(s.backoff); attempt++ {
		containerId, err := s.transport.Publish(ctx, proofs, mintURL, supersededIds)
		if err == nil && containerId != "" {
			return containerId, nil
		}
		if err == nil {
			err = errors.New("transport returned empty container id")
		}
		lastErr = err
		s.log.Warn("backup publish failed",
			zap.Int("attempt", attempt+1),
			zap.String("mint", mintURL),
			zap.Error(err),
		)

		select {
		case <-time.After(s.backoff[attempt]):
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = len(s.backoff)
		}
	}

	record := storage.FallbackRecord{
		Id:            newRecordId(),
		MintURL:       mintURL,
		SupersededIds: supersededIds,
		Proofs:        proofs,
		CreatedAt:     time.Now().Unix(),
	}
	if err := s.db.SaveFallbackRecord(record); err != nil {
		return "", fmt.Errorf("backup publish failed (%v) and fallback record could not be written: %v", lastErr, err)
	}
	s.log.Warn("backup publish exhausted retries, wrote local fallback record",
		zap.String("record", record.Id),
		zap.Uint64("amount", proofs.Amount()),
	)
	return "", ErrPublishFallback
}

// RetireSpent removes spent proofs from the backup store without ever
// destroying unspent value. Containers holding any of the spent
// secrets are superseded: the surviving unspent proofs they held are
// republished into a new container first, and the old containers are
// deleted only after that publish succeeded.
func (s *Sync) RetireSpent(ctx context.Context, spentSecrets map[string]bool, mintURL string) error {
	if len(spentSecrets) == 0 {
		return nil
	}

	containers, err := s.transport.Fetch(ctx, true)
	if err != nil {
		return fmt.Errorf("could not fetch backup containers: %v", err)
	}

	var affectedIds []string
	survivors := cashu.Proofs{}
	seen := make(map[string]bool)
	for _, container := range containers {
		affected := false
		for _, proof := range container.Proofs {
			if spentSecrets[proof.Secret] {
				affected = true
				break
			}
		}
		if !affected {
			continue
		}

		affectedIds = append(affectedIds, container.Id)
		for _, proof := range container.Proofs {
			if spentSecrets[proof.Secret] || seen[proof.Secret] {
				continue
			}
			seen[proof.Secret] = true
			survivors = append(survivors, proof)
		}
	}

	if len(affectedIds) == 0 {
		return nil
	}

	// republish-before-delete: old containers stay until the
	// survivors are safely in a new one
	_, err = s.PublishProofs(ctx, survivors, mintURL, affectedIds)
	if err != nil {
		if errors.Is(err, ErrPublishFallback) {
			// survivors are tracked locally; leave the old
			// containers in place
			return nil
		}
		return err
	}

	deleted, err := s.transport.Delete(ctx, affectedIds)
	if err != nil {
		return fmt.Errorf("could not delete superseded containers: %v", err)
	}
	if !deleted {
		s.log.Warn("superseded containers were not deleted", zap.Strings("ids", affectedIds))
	}
	return nil
}

// FetchProofs returns all proofs currently in the backup store,
// deduplicated by secret, including proofs held only in local
// fallback records.
func (s *Sync) FetchProofs(ctx context.Context, forceRefresh bool) (cashu.Proofs, error) {
	containers, err := s.transport.Fetch(ctx, forceRefresh)
	if err != nil {
		return nil, fmt.Errorf("could not fetch backup containers: %v", err)
	}

	proofs := cashu.Proofs{}
	seen := make(map[string]bool)
	for _, container := range containers {
		for _, proof := range container.Proofs {
			if seen[proof.Secret] {
				continue
			}
			seen[proof.Secret] = true
			proofs = append(proofs, proof)
		}
	}

	for _, record := range s.db.GetFallbackRecords() {
		for _, proof := range record.Proofs {
			if seen[proof.Secret] {
				continue
			}
			seen[proof.Secret] = true
			proofs = append(proofs, proof)
		}
	}

	return proofs, nil
}

// FlushFallbacks retries publishing local fallback records, deleting
// each record and its superseded containers once the publish lands.
func (s *Sync) FlushFallbacks(ctx context.Context) error {
	for _, record := range s.db.GetFallbackRecords() {
		containerId, err := s.transport.Publish(ctx, record.Proofs, record.MintURL, record.SupersededIds)
		if err != nil || containerId == "" {
			continue
		}
		if len(record.SupersededIds) > 0 {
			if _, err := s.transport.Delete(ctx, record.SupersededIds); err != nil {
				s.log.Warn("could not delete superseded containers after fallback flush", zap.Error(err))
			}
		}
		if err := s.db.DeleteFallbackRecord(record.Id); err != nil {
			return fmt.Errorf("could not delete fallback record: %v", err)
		}
		s.log.Info("flushed fallback record to backup store",
			zap.String("record", record.Id),
			zap.String("container", containerId),
		)
	}
	return nil
}

func newRecordId() string {
	randomBytes, err := cashu.GenerateRandomBytes()
	if err != nil {
		return fmt.Sprintf("fallback-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(randomBytes[:16])
}
