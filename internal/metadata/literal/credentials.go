package literal

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

const (
	AlgoArgon2id = "argon2id"
	AlgoBcrypt   = "bcrypt"
)

// Argon2id params
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 1
	argonKeyLen  = 32
	saltLen      = 16
)

type userEntry struct {
	Name         string `yaml:"name"`
	PasswordHash string `yaml:"password_hash"`
	Algo         string `yaml:"algo"`
}

type usersFile struct {
	Users []userEntry `yaml:"users"`
}

func loadUsersFile(path, dir string) (map[string]userEntry, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read users file: %w", err)
	}
	var f usersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse users file: %w", err)
	}
	users := make(map[string]userEntry, len(f.Users))
	for _, u := range f.Users {
		if u.Algo == "" {
			u.Algo = AlgoArgon2id
		}
		users[u.Name] = u
	}
	return users, nil
}

// HashPassword hashes a password with Argon2id in the encoded form
// $argon2id$v=19$m=65536,t=3,p=1$salt$hash.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedHash := base64.RawStdEncoding.EncodeToString(hash)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads, encodedSalt, encodedHash), nil
}

// VerifyPassword checks password against an encoded hash.
func VerifyPassword(password, hash, algo string) (bool, error) {
	switch algo {
	case AlgoArgon2id:
		return verifyArgon2id(password, hash)
	case AlgoBcrypt:
		err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		return err == nil, err
	default:
		return false, errors.New("unsupported password algorithm")
	}
}

func verifyArgon2id(password, hash string) (bool, error) {
	// "", "argon2id", "v=19", "m=...,t=...,p=...", salt, hash
	parts := strings.Split(hash, "$")
	if len(parts) != 6 {
		return false, errors.New("invalid argon2id hash format")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, err
	}
	if version != argon2.Version {
		return false, errors.New("incompatible argon2 version")
	}

	var memory, timeParam uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &timeParam, &threads); err != nil {
		return false, err
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, err
	}
	decodedHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, err
	}

	newHash := argon2.IDKey([]byte(password), salt, timeParam, memory, threads, uint32(len(decodedHash)))
	return subtle.ConstantTimeCompare(newHash, decodedHash) == 1, nil
}

// tokenVerifier validates RS256 bearer tokens whose subject is the user.
type tokenVerifier struct {
	publicKey *rsa.PublicKey
}

func loadTokenVerifier(path, dir string) (*tokenVerifier, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read token public key: %w", err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token public key: %w", err)
	}
	return &tokenVerifier{publicKey: key}, nil
}

func (v *tokenVerifier) verify(tokenString, user string) error {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.publicKey, nil
	})
	if err != nil {
		return err
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return errors.New("invalid token")
	}
	if claims.Subject != user {
		return errors.New("token subject does not match user")
	}
	return nil
}

// bearerToken extracts a bearer token from the Authorization header or
// from the password.
func bearerToken(password string, headers map[string]string) (string, bool) {
	for name, value := range headers {
		if strings.EqualFold(name, "authorization") {
			if tok, ok := strings.CutPrefix(value, "Bearer "); ok {
				return tok, true
			}
		}
	}
	if tok, ok := strings.CutPrefix(password, "Bearer "); ok {
		return tok, true
	}
	return "", false
}
