// queue.go
//
// Redis-backed async mail queue. QueuedMailer implements Mailer and enqueues
// jobs instead of sending synchronously; StartWorker drains the queue in a
// background goroutine and hands each job to the inner Mailer (SMTPMailer).
// Raw tokens are sealed before they touch Redis.
package mail

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/chacha20poly1305"
)

// QueueKey is the Redis list used as the outbound mail queue.
const QueueKey = "gatekeeper:mail:queue"

// DefaultMaxQueueSize caps the queue so a dead SMTP server can't grow it forever. 0 = unlimited.
const DefaultMaxQueueSize int64 = 1000

// ErrQueueFull is returned by enqueue when the queue has reached its size cap.
var ErrQueueFull = errors.New("mail queue full")

// job type constants identify which send method to invoke on dispatch.
const (
	jobPasswordReset     = "password_reset"
	jobEmailVerification = "email_verification"
	jobSecurityAlert     = "security_alert"
)

// EmailJob is the serialized payload pushed onto the queue.
type EmailJob struct {
	Type      string            `json:"type"`
	ToEmail   string            `json:"to_email"`
	Token     []byte            `json:"token,omitempty"` // sealed with the queue key
	Kind      string            `json:"kind,omitempty"`  // alert kind for security_alert jobs
	ExpiresIn int64             `json:"expires_in"`      // nanoseconds
	Vars      map[string]string `json:"vars"`
}

// QueuedMailer enqueues email jobs to Redis so handlers return without waiting on SMTP.
type QueuedMailer struct {
	inner        Mailer
	rdb          *redis.Client
	maxQueueSize int64
	key          []byte
}

// NewQueuedMailer wraps inner with a Redis-backed async queue.
// key must be chacha20poly1305.KeySize (32) bytes; it seals tokens at rest in the queue.
func NewQueuedMailer(inner Mailer, rdb *redis.Client, maxSize int64, key []byte) (*QueuedMailer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("mail queue key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &QueuedMailer{inner: inner, rdb: rdb, maxQueueSize: maxSize, key: key}, nil
}

// enqueueScript atomically checks the queue length and pushes the job only if
// under the cap. Returns 1 if enqueued, 0 if rejected (queue full).
// KEYS[1] = queue key, ARGV[1] = max size (0 = skip check), ARGV[2] = payload.
var enqueueScript = redis.NewScript(`
local max = tonumber(ARGV[1])
if max > 0 and redis.call('LLEN', KEYS[1]) >= max then
    return 0
end
redis.call('RPUSH', KEYS[1], ARGV[2])
return 1
`)

// encryptToken seals plaintext as nonce||ciphertext.
func encryptToken(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce with rand: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// decryptToken opens a value produced by encryptToken.
func decryptToken(key, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("sealed token shorter than nonce")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("opening sealed token: %w", err)
	}
	return plaintext, nil
}

// SendPasswordReset enqueues a password reset email job.
func (q *QueuedMailer) SendPasswordReset(ctx context.Context, toEmail, token string, expiresIn time.Duration, vars map[string]string) error {
	return q.enqueueToken(ctx, jobPasswordReset, toEmail, token, expiresIn, vars)
}

// SendEmailVerification enqueues an email verification job.
func (q *QueuedMailer) SendEmailVerification(ctx context.Context, toEmail, token string, expiresIn time.Duration, vars map[string]string) error {
	return q.enqueueToken(ctx, jobEmailVerification, toEmail, token, expiresIn, vars)
}

// SendSecurityAlert enqueues a security alert. No token is involved.
func (q *QueuedMailer) SendSecurityAlert(ctx context.Context, toEmail, kind string, vars map[string]string) error {
	return q.enqueue(ctx, EmailJob{Type: jobSecurityAlert, ToEmail: toEmail, Kind: kind, Vars: vars})
}

func (q *QueuedMailer) enqueueToken(ctx context.Context, typ, toEmail, token string, expiresIn time.Duration, vars map[string]string) error {
	sealed, err := encryptToken(q.key, []byte(token))
	if err != nil {
		return fmt.Errorf("sealing %s token: %w", typ, err)
	}
	return q.enqueue(ctx, EmailJob{
		Type:      typ,
		ToEmail:   toEmail,
		Token:     sealed,
		ExpiresIn: int64(expiresIn),
		Vars:      vars,
	})
}

// enqueue serializes job to JSON and appends it to the Redis queue.
func (q *QueuedMailer) enqueue(ctx context.Context, job EmailJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling email job: %w", err)
	}
	ok, err := enqueueScript.Run(ctx, q.rdb, []string{QueueKey}, q.maxQueueSize, data).Int64()
	if err != nil {
		return fmt.Errorf("enqueuing email job: %w", err)
	}
	if ok == 0 {
		return ErrQueueFull
	}
	return nil
}

// StartWorker drains the mail queue until ctx is cancelled. Call in a goroutine.
func (q *QueuedMailer) StartWorker(ctx context.Context) {
	for {
		// BLPop blocks up to 2s then returns redis.Nil so ctx is rechecked.
		res, err := q.rdb.BLPop(ctx, 2*time.Second, QueueKey).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			slog.Error("mail worker: queue pop failed", "err", err)
			// back off so a Redis outage doesn't spin the loop
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		// res[0] = key name, res[1] = payload
		var job EmailJob
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			slog.Error("mail worker: bad job payload", "err", err)
			continue
		}
		q.dispatch(ctx, job)
	}
}

// dispatch calls the inner Mailer method matching job.Type.
// Errors are logged and dropped; there is no retry.
func (q *QueuedMailer) dispatch(ctx context.Context, job EmailJob) {
	var err error
	switch job.Type {
	case jobPasswordReset, jobEmailVerification:
		token, derr := decryptToken(q.key, job.Token)
		if derr != nil {
			slog.Error("mail worker: unsealing token failed", "type", job.Type, "err", derr)
			return
		}
		expiresIn := time.Duration(job.ExpiresIn)
		if job.Type == jobPasswordReset {
			err = q.inner.SendPasswordReset(ctx, job.ToEmail, string(token), expiresIn, job.Vars)
		} else {
			err = q.inner.SendEmailVerification(ctx, job.ToEmail, string(token), expiresIn, job.Vars)
		}
	case jobSecurityAlert:
		err = q.inner.SendSecurityAlert(ctx, job.ToEmail, job.Kind, job.Vars)
	default:
		slog.Error("mail worker: unknown job type", "type", job.Type)
		return
	}
	if err != nil {
		slog.Error("mail worker: send failed", "type", job.Type, "err", err)
	}
}
