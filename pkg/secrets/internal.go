package secrets

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"

	"github.com/go-pkgz/stringutils"
	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/umputun/webstorage/pkg/store"
)

// secretsSchema keeps encrypted values by key, key is the row id
var secretsSchema = store.Schema{
	Name:    "webstorage_secrets",
	Columns: []store.Column{{Name: "sval", Type: store.Text}},
}

// InternalProvider is a secret provider that stores secrets in a database table, encrypted.
// Supported databases are the ones supported by store: sqlite, postgres and mysql.
type InternalProvider struct {
	db    *sqlx.DB
	table *store.Table
	key   []byte
}

// NewInternalProvider opens the database at conn and creates secrets table if missing
func NewInternalProvider(ctx context.Context, conn string, key []byte) (*InternalProvider, error) {
	if len(key) == 0 {
		return nil, errors.New("secrets key is required")
	}
	db, err := store.Open(ctx, "", conn)
	if err != nil {
		return nil, fmt.Errorf("can't open secrets database: %w", err)
	}
	tbl, err := store.New(ctx, db, secretsSchema)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("can't make secrets table: %w", err)
	}
	log.Printf("[INFO] secrets provider: using %s database", db.DriverName())
	return &InternalProvider{db: db, table: tbl, key: key}, nil
}

// Get retrieves a secret from the database, decrypts it, and returns it.
func (p *InternalProvider) Get(ctx context.Context, key string) (string, error) {
	rows, err := p.table.Find(ctx, store.Record{"id": key})
	if err != nil {
		return "", fmt.Errorf("can't get secret for %s: %w", key, err)
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	encrypted, _ := rows[0]["sval"].(string)
	decrypted, err := p.decrypt(encrypted)
	if err != nil {
		return "", fmt.Errorf("can't get secret for %s: %w", key, err)
	}
	return decrypted, nil
}

// Set stores a secret in the database, encrypted. Existing secret is replaced.
func (p *InternalProvider) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return errors.New("empty secret key")
	}
	encrypted, err := p.encrypt(value)
	if err != nil {
		return fmt.Errorf("can't set secret for %s: %w", key, err)
	}
	if _, err = p.table.Save(ctx, store.Record{"id": key, "sval": encrypted}); err != nil {
		return fmt.Errorf("can't set secret for %s: %w", key, err)
	}
	return nil
}

// Delete removes a secret from the database.
func (p *InternalProvider) Delete(ctx context.Context, key string) error {
	n, err := p.table.Destroy(ctx, key)
	if err != nil {
		return fmt.Errorf("error deleting secret for %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("key not found in the database: %s", key)
	}
	return nil
}

// List returns sorted secret keys starting with prefix, all keys for empty or "*" prefix.
func (p *InternalProvider) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.table.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing secrets: %w", err)
	}
	keys := make([]string, 0, len(rows))
	for _, r := range rows {
		keys = append(keys, r.ID())
	}
	if prefix != "" && prefix != "*" {
		keys = stringutils.Filter(keys, func(k string) bool { return strings.HasPrefix(k, prefix) })
	}
	sort.Strings(keys)
	return keys, nil
}

// Close closes the database
func (p *InternalProvider) Close() error {
	return p.db.Close()
}

// encrypt seals data with NaCl secretbox. The key is derived from provider's key and a random salt,
// result is base64 of nonce (24 bytes), salt (16 bytes) and the sealed box.
func (p *InternalProvider) encrypt(data string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	naclKey := new([32]byte)
	copy(naclKey[:], deriveKey(p.key, salt))

	nonce := new([24]byte)
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}

	out := make([]byte, 24+16)
	copy(out, nonce[:])
	copy(out[24:], salt)

	sealed := secretbox.Seal(out, []byte(data), nonce, naclKey)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// decrypt opens data made by encrypt
func (p *InternalProvider) decrypt(encodedData string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encodedData)
	if err != nil {
		return "", err
	}
	if len(sealed) < 24+16+secretbox.Overhead {
		return "", errors.New("encrypted data too short")
	}

	nonce := new([24]byte)
	copy(nonce[:], sealed[:24])

	naclKey := new([32]byte)
	copy(naclKey[:], deriveKey(p.key, sealed[24:40]))

	decrypted, ok := secretbox.Open(nil, sealed[40:], nonce, naclKey)
	if !ok {
		return "", errors.New("failed to decrypt")
	}
	return string(decrypted), nil
}

// deriveKey makes 32 bytes key with Argon2id, 1 iteration, 64MiB memory and 4 threads
func deriveKey(key, salt []byte) []byte {
	return argon2.IDKey(key, salt, 1, 64*1024, 4, 32)
}
