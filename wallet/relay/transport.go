package relay

import (
	"context"
	"crypto/cipher"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/nutlock/nutlock/cashu"
	"github.com/nutlock/nutlock/wallet/backup"
	"go.uber.org/zap"
)

// Transport implements the backup transport contract over a relay
// connection. Containers are sealed with a key derived from the
// wallet seed before leaving the process.
type Transport struct {
	client *Client
	aead   cipher.AEAD
	log    *zap.Logger

	mu         sync.Mutex
	cache      []backup.Container
	cacheValid bool
}

func NewTransport(client *Client, seed []byte, log *zap.Logger) (*Transport, error) {
	aead, err := newAEAD(seed)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{client: client, aead: aead, log: log}, nil
}

type publishParams struct {
	Id      string `json:"id"`
	Payload string `json:"payload"`
}

type publishResult struct {
	Id string `json:"id"`
}

type deleteParams struct {
	Ids []string `json:"ids"`
}

type deleteResult struct {
	Deleted bool `json:"deleted"`
}

type fetchItem struct {
	Id      string `json:"id"`
	Payload string `json:"payload"`
}

func (t *Transport) Publish(ctx context.Context, proofs cashu.Proofs, mintURL string,
	supersededIds []string) (string, error) {

	idBytes, err := cashu.GenerateRandomBytes()
	if err != nil {
		return "", err
	}
	container := backup.Container{
		Id:         hex.EncodeToString(idBytes),
		MintURL:    mintURL,
		Proofs:     proofs,
		Supersedes: supersededIds,
		CreatedAt:  time.Now().Unix(),
	}

	plaintext, err := json.Marshal(container)
	if err != nil {
		return "", err
	}
	sealed, err := seal(t.aead, plaintext)
	if err != nil {
		return "", err
	}

	params := publishParams{
		Id:      container.Id,
		Payload: base64.StdEncoding.EncodeToString(sealed),
	}
	var result publishResult
	if err := t.client.Call(ctx, "publish", params, &result); err != nil {
		return "", err
	}
	if result.Id == "" {
		result.Id = container.Id
	}

	t.mu.Lock()
	if t.cacheValid {
		t.cache = append(t.cache, container)
	}
	t.mu.Unlock()

	return result.Id, nil
}

func (t *Transport) Fetch(ctx context.Context, forceRefresh bool) ([]backup.Container, error) {
	t.mu.Lock()
	if t.cacheValid && !forceRefresh {
		cached := make([]backup.Container, len(t.cache))
		copy(cached, t.cache)
		t.mu.Unlock()
		return cached, nil
	}
	t.mu.Unlock()

	items, err := t.client.CallStream(ctx, "fetch", struct{}{})
	if err != nil {
		return nil, err
	}

	containers := make([]backup.Container, 0, len(items))
	for _, raw := range items {
		var item fetchItem
		if err := json.Unmarshal(raw, &item); err != nil {
			t.log.Debug("skipping unparseable backup item", zap.Error(err))
			continue
		}
		sealed, err := base64.StdEncoding.DecodeString(item.Payload)
		if err != nil {
			t.log.Debug("skipping backup item with bad encoding", zap.String("id", item.Id))
			continue
		}
		plaintext, err := open(t.aead, sealed)
		if err != nil {
			// not ours or tampered with
			t.log.Debug("skipping undecryptable backup item", zap.String("id", item.Id))
			continue
		}
		var container backup.Container
		if err := json.Unmarshal(plaintext, &container); err != nil {
			t.log.Debug("skipping malformed backup container", zap.String("id", item.Id))
			continue
		}
		if container.Id == "" {
			container.Id = item.Id
		}
		containers = append(containers, container)
	}

	t.mu.Lock()
	t.cache = containers
	t.cacheValid = true
	t.mu.Unlock()

	return containers, nil
}

func (t *Transport) Delete(ctx context.Context, containerIds []string) (bool, error) {
	var result deleteResult
	if err := t.client.Call(ctx, "delete", deleteParams{Ids: containerIds}, &result); err != nil {
		return false, err
	}

	t.mu.Lock()
	if t.cacheValid {
		deleted := make(map[string]bool, len(containerIds))
		for _, id := range containerIds {
			deleted[id] = true
		}
		remaining := t.cache[:0]
		for _, container := range t.cache {
			if !deleted[container.Id] {
				remaining = append(remaining, container)
			}
		}
		t.cache = remaining
	}
	t.mu.Unlock()

	return result.Deleted, nil
}
