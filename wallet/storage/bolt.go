package storage

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nutlock/nutlock/cashu"
	"github.com/nutlock/nutlock/crypto"
	bolt "go.etcd.io/bbolt"
)

const (
	keysetsBucket      = "keysets"
	proofsBucket       = "proofs"
	escrowLocksBucket  = "escrow_locks"
	pendingSwapsBucket = "pending_swaps"
	fallbackBucket     = "backup_fallback"
	seedBucket         = "seed"

	mnemonicKey = "mnemonic"
	seedKey     = "seed"
)

type BoltDB struct {
	bolt *bolt.DB
}

func InitBolt(path string) (*BoltDB, error) {
	db, err := bolt.Open(filepath.Join(path, "wallet.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("error opening db: %v", err)
	}

	boltdb := &BoltDB{bolt: db}
	if err := boltdb.initWalletBuckets(); err != nil {
		return nil, fmt.Errorf("error setting up db: %v", err)
	}

	return boltdb, nil
}

func (db *BoltDB) initWalletBuckets() error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		buckets := []string{
			keysetsBucket,
			proofsBucket,
			escrowLocksBucket,
			pendingSwapsBucket,
			fallbackBucket,
			seedBucket,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) Close() error {
	return db.bolt.Close()
}

func (db *BoltDB) SaveMnemonicSeed(mnemonic string, seed []byte) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(seedBucket))
		if err := b.Put([]byte(mnemonicKey), []byte(mnemonic)); err != nil {
			return err
		}
		return b.Put([]byte(seedKey), seed)
	})
}

func (db *BoltDB) GetSeed() []byte {
	var seed []byte
	db.bolt.View(func(tx *bolt.Tx) error {
		stored := tx.Bucket([]byte(seedBucket)).Get([]byte(seedKey))
		seed = append(seed, stored...)
		return nil
	})
	return seed
}

func (db *BoltDB) GetMnemonic() string {
	var mnemonic string
	db.bolt.View(func(tx *bolt.Tx) error {
		mnemonic = string(tx.Bucket([]byte(seedBucket)).Get([]byte(mnemonicKey)))
		return nil
	})
	return mnemonic
}

func (db *BoltDB) SaveProof(proof cashu.Proof) error {
	jsonProof, err := json.Marshal(proof)
	if err != nil {
		return fmt.Errorf("invalid proof: %v", err)
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		return proofsb.Put([]byte(proof.Secret), jsonProof)
	})
}

func (db *BoltDB) SaveProofs(proofs cashu.Proofs) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		for _, proof := range proofs {
			jsonProof, err := json.Marshal(proof)
			if err != nil {
				return fmt.Errorf("invalid proof: %v", err)
			}
			if err := proofsb.Put([]byte(proof.Secret), jsonProof); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) GetProofs() cashu.Proofs {
	proofs := cashu.Proofs{}

	db.bolt.View(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		return proofsb.ForEach(func(k, v []byte) error {
			var proof cashu.Proof
			if err := json.Unmarshal(v, &proof); err != nil {
				return err
			}
			proofs = append(proofs, proof)
			return nil
		})
	})
	return proofs
}

func (db *BoltDB) GetProofsByKeysetIds(ids []string) cashu.Proofs {
	idsSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idsSet[id] = true
	}

	proofs := cashu.Proofs{}
	db.bolt.View(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		return proofsb.ForEach(func(k, v []byte) error {
			var proof cashu.Proof
			if err := json.Unmarshal(v, &proof); err != nil {
				return err
			}
			if idsSet[proof.Id] {
				proofs = append(proofs, proof)
			}
			return nil
		})
	})
	return proofs
}

func (db *BoltDB) DeleteProof(secret string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		val := proofsb.Get([]byte(secret))
		if val == nil {
			return ProofNotFound
		}
		return proofsb.Delete([]byte(secret))
	})
}

// dbKeyset is the serialized form of crypto.WalletKeyset. Public keys
// are kept as compressed-point hex.
type dbKeyset struct {
	Id          string            `json:"id"`
	MintURL     string            `json:"mint_url"`
	Unit        string            `json:"unit"`
	Active      bool              `json:"active"`
	PublicKeys  map[uint64]string `json:"public_keys"`
	Counter     uint32            `json:"counter"`
	InputFeePpk uint              `json:"input_fee_ppk"`
}

func toDBKeyset(keyset *crypto.WalletKeyset) dbKeyset {
	keys := make(map[uint64]string, len(keyset.PublicKeys))
	for amount, pubkey := range keyset.PublicKeys {
		keys[amount] = hex.EncodeToString(pubkey.SerializeCompressed())
	}
	return dbKeyset{
		Id:          keyset.Id,
		MintURL:     keyset.MintURL,
		Unit:        keyset.Unit,
		Active:      keyset.Active,
		PublicKeys:  keys,
		Counter:     keyset.Counter,
		InputFeePpk: keyset.InputFeePpk,
	}
}

func fromDBKeyset(stored dbKeyset) (*crypto.WalletKeyset, error) {
	keys := make(map[uint64]*secp256k1.PublicKey, len(stored.PublicKeys))
	for amount, pubkeyHex := range stored.PublicKeys {
		pkbytes, err := hex.DecodeString(pubkeyHex)
		if err != nil {
			return nil, err
		}
		pubkey, err := secp256k1.ParsePubKey(pkbytes)
		if err != nil {
			return nil, err
		}
		keys[amount] = pubkey
	}
	return &crypto.WalletKeyset{
		Id:          stored.Id,
		MintURL:     stored.MintURL,
		Unit:        stored.Unit,
		Active:      stored.Active,
		PublicKeys:  keys,
		Counter:     stored.Counter,
		InputFeePpk: stored.InputFeePpk,
	}, nil
}

func (db *BoltDB) SaveKeyset(keyset *crypto.WalletKeyset) error {
	jsonKeyset, err := json.Marshal(toDBKeyset(keyset))
	if err != nil {
		return fmt.Errorf("invalid keyset: %v", err)
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))
		mintBucket, err := keysetsb.CreateBucketIfNotExists([]byte(keyset.MintURL))
		if err != nil {
			return err
		}
		return mintBucket.Put([]byte(keyset.Id), jsonKeyset)
	})
}

func (db *BoltDB) GetKeysets() crypto.KeysetsMap {
	keysets := make(crypto.KeysetsMap)

	db.bolt.View(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))
		return keysetsb.ForEachBucket(func(mintURL []byte) error {
			mintKeysets := make(map[string]crypto.WalletKeyset)
			mintBucket := keysetsb.Bucket(mintURL)
			err := mintBucket.ForEach(func(id, v []byte) error {
				var stored dbKeyset
				if err := json.Unmarshal(v, &stored); err != nil {
					return err
				}
				keyset, err := fromDBKeyset(stored)
				if err != nil {
					return err
				}
				mintKeysets[string(id)] = *keyset
				return nil
			})
			if err != nil {
				return err
			}
			keysets[string(mintURL)] = mintKeysets
			return nil
		})
	})
	return keysets
}

func (db *BoltDB) GetKeyset(id string) *crypto.WalletKeyset {
	var keyset *crypto.WalletKeyset

	db.bolt.View(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))
		return keysetsb.ForEachBucket(func(mintURL []byte) error {
			mintBucket := keysetsb.Bucket(mintURL)
			if v := mintBucket.Get([]byte(id)); v != nil {
				var stored dbKeyset
				if err := json.Unmarshal(v, &stored); err != nil {
					return err
				}
				keyset, _ = fromDBKeyset(stored)
			}
			return nil
		})
	})
	return keyset
}

func (db *BoltDB) IncrementKeysetCounter(id string, num uint32) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))
		return keysetsb.ForEachBucket(func(mintURL []byte) error {
			mintBucket := keysetsb.Bucket(mintURL)
			v := mintBucket.Get([]byte(id))
			if v == nil {
				return nil
			}
			var stored dbKeyset
			if err := json.Unmarshal(v, &stored); err != nil {
				return err
			}
			stored.Counter += num
			jsonKeyset, err := json.Marshal(stored)
			if err != nil {
				return err
			}
			return mintBucket.Put([]byte(id), jsonKeyset)
		})
	})
}

func (db *BoltDB) GetKeysetCounter(id string) uint32 {
	var counter uint32
	db.bolt.View(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))
		return keysetsb.ForEachBucket(func(mintURL []byte) error {
			mintBucket := keysetsb.Bucket(mintURL)
			if v := mintBucket.Get([]byte(id)); v != nil {
				var stored dbKeyset
				if err := json.Unmarshal(v, &stored); err != nil {
					return err
				}
				counter = stored.Counter
			}
			return nil
		})
	})
	return counter
}

func (db *BoltDB) SaveEscrowLock(lock EscrowLock) error {
	jsonLock, err := json.Marshal(lock)
	if err != nil {
		return fmt.Errorf("invalid escrow lock: %v", err)
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		locksb := tx.Bucket([]byte(escrowLocksBucket))
		return locksb.Put([]byte(lock.Id), jsonLock)
	})
}

func (db *BoltDB) GetEscrowLock(id string) *EscrowLock {
	var lock *EscrowLock
	db.bolt.View(func(tx *bolt.Tx) error {
		locksb := tx.Bucket([]byte(escrowLocksBucket))
		if v := locksb.Get([]byte(id)); v != nil {
			var stored EscrowLock
			if err := json.Unmarshal(v, &stored); err != nil {
				return err
			}
			lock = &stored
		}
		return nil
	})
	return lock
}

func (db *BoltDB) GetEscrowLocks() []EscrowLock {
	locks := []EscrowLock{}
	db.bolt.View(func(tx *bolt.Tx) error {
		locksb := tx.Bucket([]byte(escrowLocksBucket))
		return locksb.ForEach(func(k, v []byte) error {
			var lock EscrowLock
			if err := json.Unmarshal(v, &lock); err != nil {
				return err
			}
			locks = append(locks, lock)
			return nil
		})
	})
	return locks
}

func (db *BoltDB) SavePendingSwap(swap PendingSwap) error {
	jsonSwap, err := json.Marshal(swap)
	if err != nil {
		return fmt.Errorf("invalid pending swap: %v", err)
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		swapsb := tx.Bucket([]byte(pendingSwapsBucket))
		return swapsb.Put([]byte(swap.Id), jsonSwap)
	})
}

func (db *BoltDB) GetPendingSwaps() []PendingSwap {
	swaps := []PendingSwap{}
	db.bolt.View(func(tx *bolt.Tx) error {
		swapsb := tx.Bucket([]byte(pendingSwapsBucket))
		return swapsb.ForEach(func(k, v []byte) error {
			var swap PendingSwap
			if err := json.Unmarshal(v, &swap); err != nil {
				return err
			}
			swaps = append(swaps, swap)
			return nil
		})
	})
	return swaps
}

func (db *BoltDB) DeletePendingSwap(id string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(pendingSwapsBucket)).Delete([]byte(id))
	})
}

func (db *BoltDB) SaveFallbackRecord(record FallbackRecord) error {
	jsonRecord, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("invalid fallback record: %v", err)
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		fallbackb := tx.Bucket([]byte(fallbackBucket))
		return fallbackb.Put([]byte(record.Id), jsonRecord)
	})
}

func (db *BoltDB) GetFallbackRecords() []FallbackRecord {
	records := []FallbackRecord{}
	db.bolt.View(func(tx *bolt.Tx) error {
		fallbackb := tx.Bucket([]byte(fallbackBucket))
		return fallbackb.ForEach(func(k, v []byte) error {
			var record FallbackRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, record)
			return nil
		})
	})
	return records
}

func (db *BoltDB) DeleteFallbackRecord(id string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(fallbackBucket)).Delete([]byte(id))
	})
}
