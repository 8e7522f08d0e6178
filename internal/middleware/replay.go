package middleware

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/ticket-saga/internal/repository"
)

// HeaderIdempotencyKey names the client-chosen key of a mutating request.
const HeaderIdempotencyKey = "Idempotency-Key"

// HeaderReplayed is set on responses served from a recorded result.
const HeaderReplayed = "Idempotent-Replayed"

// ReplayStore is implemented by repository.RedisKV and repository.MemoryKV.
type ReplayStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
}

const (
	maxReplayBody = 1 << 20
	inFlightTTL   = 30 * time.Second
)

// captureWriter copies the response body and status while forwarding to the
// client.
type captureWriter struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
	size   int64
	limit  int64
}

func (cw *captureWriter) WriteHeader(code int) {
	cw.status = code
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *captureWriter) Write(b []byte) (int, error) {
	if remain := cw.limit - cw.size; remain > 0 {
		if int64(len(b)) <= remain {
			cw.buf.Write(b)
		} else {
			cw.buf.Write(b[:remain])
		}
	}
	cw.size += int64(len(b))
	return cw.ResponseWriter.Write(b)
}

// replayKey scopes a client key to the caller and the request target, so
// two users or two endpoints never share a record.
func replayKey(c echo.Context, key string) string {
	r := c.Request()
	sum := sha1.Sum([]byte(strings.Join([]string{subject(c), r.Method, r.URL.Path, key}, "\x00")))
	return fmt.Sprintf("replay:%x", sum[:])
}

// encodePayload packs: [4 bytes status][4 bytes headerLen][headerJSON][body]
func encodePayload(status int, header http.Header, body []byte) ([]byte, error) {
	hdrJSON, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 8+len(hdrJSON)+len(body))
	binary.BigEndian.PutUint32(out[0:4], uint32(status))
	binary.BigEndian.PutUint32(out[4:8], uint32(len(hdrJSON)))
	copy(out[8:], hdrJSON)
	copy(out[8+len(hdrJSON):], body)
	return out, nil
}

func decodePayload(bs []byte) (status int, header http.Header, body []byte, ok bool) {
	if len(bs) < 8 {
		return 0, nil, nil, false
	}
	status = int(binary.BigEndian.Uint32(bs[0:4]))
	hlen := int(binary.BigEndian.Uint32(bs[4:8]))
	if hlen < 0 || 8+hlen > len(bs) {
		return 0, nil, nil, false
	}
	header = make(http.Header)
	if hlen > 0 {
		if err := json.Unmarshal(bs[8:8+hlen], &header); err != nil {
			return 0, nil, nil, false
		}
	}
	return status, header, bs[8+hlen:], true
}

func replayable(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// IdempotentReplay records the first successful response of a mutating
// request that carries an Idempotency-Key header and serves it again for
// retries with the same key.  A retry that arrives while the first request
// is still running gets 409.  Failed responses are not recorded.  When the
// store is down requests run unprotected and rely on the key being passed
// on to the saga.
func IdempotentReplay(kv ReplayStore, ttl time.Duration, log *zap.Logger) echo.MiddlewareFunc {
	log = log.Named("replay")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			idem := strings.TrimSpace(c.Request().Header.Get(HeaderIdempotencyKey))
			if idem == "" || !replayable(c.Request().Method) {
				return next(c)
			}
			ctx := c.Request().Context()
			key := replayKey(c, idem)

			bs, err := kv.Get(ctx, key)
			switch {
			case err == nil:
				if status, hdr, body, ok := decodePayload(bs); ok {
					for k, vals := range hdr {
						if strings.EqualFold(k, echo.HeaderContentLength) {
							continue
						}
						for _, v := range vals {
							c.Response().Header().Add(k, v)
						}
					}
					c.Response().Header().Set(HeaderReplayed, "true")
					c.Response().WriteHeader(status)
					_, err := c.Response().Write(body)
					return err
				}
				log.Warn("discarding unreadable record", zap.String("key", key))
			case !errors.Is(err, repository.ErrKeyNotFound):
				log.Warn("replay store unavailable", zap.Error(err))
				return next(c)
			}

			locked, err := kv.SetNX(ctx, key+":lock", []byte("1"), inFlightTTL)
			if err != nil {
				log.Warn("replay store unavailable", zap.Error(err))
				return next(c)
			}
			if !locked {
				return deny(c, http.StatusConflict, "REQUEST_IN_PROGRESS", "a request with this idempotency key is in progress")
			}
			defer func() { _ = kv.Del(context.WithoutCancel(ctx), key+":lock") }()

			cw := &captureWriter{ResponseWriter: c.Response().Writer, status: http.StatusOK, limit: maxReplayBody}
			c.Response().Writer = cw
			if err := next(c); err != nil {
				return err
			}
			if cw.status < 200 || cw.status >= 300 || cw.size > maxReplayBody {
				return nil
			}
			payload, err := encodePayload(cw.status, c.Response().Header().Clone(), cw.buf.Bytes())
			if err != nil {
				return nil
			}
			if err := kv.Set(context.WithoutCancel(ctx), key, payload, ttl); err != nil {
				log.Warn("response not recorded", zap.String("key", key), zap.Error(err))
			}
			return nil
		}
	}
}
