package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	valkey "github.com/valkey-io/valkey-go"

	"github.com/l0p7/complyd/internal/verdict"
)

// ValkeyTLSConfig controls TLS for the distributed tier connection.
type ValkeyTLSConfig struct {
	Enabled bool
	CAFile  string
}

// ValkeyConfig describes the distributed tier connection and retry budget.
type ValkeyConfig struct {
	Address    string
	Username   string
	Password   string
	DB         int
	TLS        ValkeyTLSConfig
	MaxRetries int
}

type valkeyStore struct {
	client valkey.Client
	retry  retrypolicy.RetryPolicy[lookupResult]
}

type lookupResult struct {
	entry verdict.Entry
	found bool
}

// NewValkey connects the tier-3 store. Construction pings the server so a
// misconfigured address fails at startup; transient unavailability after
// startup degrades lookups to misses instead.
func NewValkey(cfg ValkeyConfig) (DistributedStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: valkey address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read valkey ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: valkey ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: valkey ping: %w", err)
	}

	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = 2
	}
	retry := retrypolicy.NewBuilder[lookupResult]().
		WithMaxRetries(maxRetries).
		WithDelay(25 * time.Millisecond).
		Build()

	return &valkeyStore{client: client, retry: retry}, nil
}

// Get fetches and decodes an entry. A missing key or an undecodable payload
// is a miss; network errors are retried within the bounded budget and then
// returned for the caller to downgrade.
func (s *valkeyStore) Get(ctx context.Context, key string) (verdict.Entry, bool, error) {
	result, err := failsafe.With[lookupResult](s.retry).WithContext(ctx).Get(func() (lookupResult, error) {
		resp := s.client.Do(ctx, s.client.B().Get().Key(key).Build())
		if err := resp.Error(); err != nil {
			if errors.Is(err, valkey.Nil) {
				return lookupResult{}, nil
			}
			return lookupResult{}, fmt.Errorf("cache: valkey get: %w", err)
		}
		payload, err := resp.AsBytes()
		if err != nil {
			return lookupResult{}, fmt.Errorf("cache: valkey get bytes: %w", err)
		}
		var entry verdict.Entry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return lookupResult{}, nil
		}
		return lookupResult{entry: entry, found: true}, nil
	})
	if err != nil {
		return verdict.Entry{}, false, err
	}
	return result.entry, result.found, nil
}

// Put stores an entry with the supplied TTL. TTL is the sole expiry
// mechanism for the distributed tier.
func (s *valkeyStore) Put(ctx context.Context, key string, entry verdict.Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: valkey marshal: %w", err)
	}
	_, err = failsafe.With[lookupResult](s.retry).WithContext(ctx).Get(func() (lookupResult, error) {
		cmd := s.client.B().Set().Key(key).Value(string(payload)).Px(ttl).Build()
		if err := s.client.Do(ctx, cmd).Error(); err != nil {
			return lookupResult{}, fmt.Errorf("cache: valkey set: %w", err)
		}
		return lookupResult{}, nil
	})
	return err
}

// Close releases the client connection.
func (s *valkeyStore) Close(context.Context) error {
	s.client.Close()
	return nil
}
