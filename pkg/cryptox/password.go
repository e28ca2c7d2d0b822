package cryptox

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrCorruptDigest reports a stored digest that cannot be parsed by any
	// known algorithm. It is never returned for a simple password mismatch.
	ErrCorruptDigest = errors.New("cryptox: corrupt password digest")

	// ErrUnsupportedDigest reports a digest whose algorithm prefix is unknown.
	ErrUnsupportedDigest = fmt.Errorf("%w: unsupported algorithm", ErrCorruptDigest)
)

// Hasher turns plaintext passwords into self-describing digests and checks
// plaintexts against them. Implementations are safe for concurrent use.
type Hasher interface {
	// Hash returns a salted digest that embeds its own parameters.
	Hash(password string) (string, error)

	// Verify reports whether password matches digest. A mismatch is (false, nil);
	// an unparseable digest yields ErrCorruptDigest.
	Verify(password, digest string) (bool, error)

	// Supports reports whether digest was produced by this algorithm.
	Supports(digest string) bool

	// NeedsRehash reports whether digest was produced with weaker or different
	// parameters than the hasher is currently configured with.
	NeedsRehash(digest string) bool
}

// Argon2id defaults (OWASP minimum profile).
const (
	DefaultArgon2Memory      = 19 * 1024 // KiB
	DefaultArgon2Iterations  = 2
	DefaultArgon2Parallelism = 1

	argon2KeyLength  = 32
	argon2SaltLength = 16
	argon2Prefix     = "$argon2id$"
)

// Argon2Hasher produces PHC-format Argon2id digests:
//
//	$argon2id$v=19$m=<mem>,t=<iters>,p=<par>$<salt>$<hash>
//
// Iterations is the work factor. Pepper, when set, is appended to every
// password before hashing and must stay stable for the digests to verify.
type Argon2Hasher struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	Pepper      string
}

// NewArgon2Hasher returns an Argon2id hasher with the default memory and
// parallelism and the given iteration count (<= 0 means the default).
func NewArgon2Hasher(iterations int, pepper string) *Argon2Hasher {
	if iterations <= 0 {
		iterations = DefaultArgon2Iterations
	}
	return &Argon2Hasher{
		Memory:      DefaultArgon2Memory,
		Iterations:  uint32(iterations), // #nosec G115 - bounded by config validation
		Parallelism: DefaultArgon2Parallelism,
		Pepper:      pepper,
	}
}

func (h *Argon2Hasher) Hash(password string) (string, error) {
	salt := make([]byte, argon2SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	key := argon2.IDKey([]byte(password+h.Pepper), salt, h.Iterations, h.Memory, h.Parallelism, argon2KeyLength)

	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.Memory,
		h.Iterations,
		h.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

func (h *Argon2Hasher) Verify(password, digest string) (bool, error) {
	p, err := parseArgon2(digest)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey(
		[]byte(password+h.Pepper),
		p.salt,
		p.iterations,
		p.memory,
		p.parallelism,
		uint32(len(p.key)), // #nosec G115 - key length checked in parseArgon2
	)
	return subtle.ConstantTimeCompare(computed, p.key) == 1, nil
}

func (h *Argon2Hasher) Supports(digest string) bool {
	return strings.HasPrefix(digest, argon2Prefix)
}

func (h *Argon2Hasher) NeedsRehash(digest string) bool {
	p, err := parseArgon2(digest)
	if err != nil {
		return true
	}
	return p.memory < h.Memory || p.iterations < h.Iterations || p.parallelism != h.Parallelism
}

type argon2Params struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

func parseArgon2(digest string) (argon2Params, error) {
	var p argon2Params

	// ["", "argon2id", "v=19", "m=X,t=Y,p=Z", "salt", "hash"]
	parts := strings.Split(digest, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return p, fmt.Errorf("%w: not an argon2id digest", ErrCorruptDigest)
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return p, fmt.Errorf("%w: unsupported argon2 version", ErrCorruptDigest)
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.iterations, &p.parallelism); err != nil {
		return p, fmt.Errorf("%w: bad parameters: %v", ErrCorruptDigest, err)
	}
	if p.memory == 0 || p.iterations == 0 || p.parallelism == 0 {
		return p, fmt.Errorf("%w: zero parameter", ErrCorruptDigest)
	}

	var err error
	if p.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil || len(p.salt) == 0 {
		return p, fmt.Errorf("%w: bad salt", ErrCorruptDigest)
	}
	if p.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(p.key) < 16 || len(p.key) > 128 {
		return p, fmt.Errorf("%w: bad key", ErrCorruptDigest)
	}

	return p, nil
}

// BcryptHasher produces standard $2a$/$2b$ digests. Cost is the work factor.
type BcryptHasher struct {
	Cost int
}

// NewBcryptHasher clamps cost into the range bcrypt accepts; <= 0 means the
// library default.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	cost = min(max(cost, bcrypt.MinCost), bcrypt.MaxCost)
	return &BcryptHasher{Cost: cost}
}

func (h *BcryptHasher) Hash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), h.Cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (h *BcryptHasher) Verify(password, digest string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(digest), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword), errors.Is(err, bcrypt.ErrPasswordTooLong):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %v", ErrCorruptDigest, err)
	}
}

func (h *BcryptHasher) Supports(digest string) bool {
	return strings.HasPrefix(digest, "$2a$") ||
		strings.HasPrefix(digest, "$2b$") ||
		strings.HasPrefix(digest, "$2y$")
}

func (h *BcryptHasher) NeedsRehash(digest string) bool {
	cost, err := bcrypt.Cost([]byte(digest))
	return err != nil || cost < h.Cost
}

// MultiHasher hashes with Primary and verifies against whichever of Primary
// or Legacy recognises the digest, so stored digests can migrate between
// algorithms on the next successful login.
type MultiHasher struct {
	Primary Hasher
	Legacy  []Hasher
}

func (m *MultiHasher) Hash(password string) (string, error) {
	return m.Primary.Hash(password)
}

func (m *MultiHasher) Verify(password, digest string) (bool, error) {
	h := m.pick(digest)
	if h == nil {
		return false, ErrUnsupportedDigest
	}
	return h.Verify(password, digest)
}

func (m *MultiHasher) Supports(digest string) bool {
	return m.pick(digest) != nil
}

func (m *MultiHasher) NeedsRehash(digest string) bool {
	if !m.Primary.Supports(digest) {
		return true
	}
	return m.Primary.NeedsRehash(digest)
}

func (m *MultiHasher) pick(digest string) Hasher {
	if m.Primary.Supports(digest) {
		return m.Primary
	}
	for _, h := range m.Legacy {
		if h.Supports(digest) {
			return h
		}
	}
	return nil
}

// NewHasher builds the hasher for a configured algorithm name ("argon2id" or
// "bcrypt"). The other algorithm is kept as a legacy verifier.
func NewHasher(algorithm string, workFactor int, pepper string) (*MultiHasher, error) {
	argon := NewArgon2Hasher(0, pepper)
	bc := NewBcryptHasher(0)

	switch strings.ToLower(algorithm) {
	case "", "argon2id", "argon2":
		return &MultiHasher{Primary: NewArgon2Hasher(workFactor, pepper), Legacy: []Hasher{bc}}, nil
	case "bcrypt":
		return &MultiHasher{Primary: NewBcryptHasher(workFactor), Legacy: []Hasher{argon}}, nil
	default:
		return nil, fmt.Errorf("cryptox: unknown password algorithm %q", algorithm)
	}
}
