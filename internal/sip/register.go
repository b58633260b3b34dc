package sip

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// RegistrationStatus represents the registration state with the SIP server.
type RegistrationStatus string

const (
	RegistrationDisabled    RegistrationStatus = "disabled"
	RegistrationRegistering RegistrationStatus = "registering"
	RegistrationRegistered  RegistrationStatus = "registered"
	RegistrationFailed      RegistrationStatus = "failed"
)

// RegistrationState is a snapshot of the registration with the SIP server.
type RegistrationState struct {
	Status       RegistrationStatus `json:"status"`
	Server       string             `json:"server,omitempty"`
	LastError    string             `json:"last_error,omitempty"`
	RetryAttempt int                `json:"retry_attempt,omitempty"`
	RegisteredAt *time.Time         `json:"registered_at,omitempty"`
	ExpiresAt    *time.Time         `json:"expires_at,omitempty"`
}

// registrar keeps the lines registered with the SIP server so inbound
// calls reach them.
type registrar struct {
	client    *sipgo.Client
	host      string
	port      int
	transport string
	username  string
	password  string
	contact   string // host[:port] we advertise in Contact
	expiry    int
	logger    *slog.Logger

	mu    sync.RWMutex
	state RegistrationState
}

func newRegistrar(client *sipgo.Client, host string, port int, transport, username, password, contact string, expiry int, logger *slog.Logger) *registrar {
	return &registrar{
		client:    client,
		host:      host,
		port:      port,
		transport: transport,
		username:  username,
		password:  password,
		contact:   contact,
		expiry:    expiry,
		logger:    logger.With("subsystem", "registrar"),
		state: RegistrationState{
			Status: RegistrationRegistering,
			Server: fmt.Sprintf("%s:%d", host, port),
		},
	}
}

// State returns the current registration state.
func (r *registrar) State() RegistrationState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// run registers, then re-registers before expiry until ctx is cancelled.
// Failures are retried with backoff.
func (r *registrar) run(ctx context.Context) {
	r.logger.Info("starting registration",
		"server", r.state.Server,
		"username", r.username,
		"transport", r.transport,
		"expiry", r.expiry,
	)

	backoff := newBackoff()

	for {
		granted, err := r.sendRegister(ctx, r.expiry)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			retryDelay := backoff.next()
			r.logger.Error("registration failed",
				"error", err,
				"attempt", backoff.attempt,
				"retry_in", retryDelay.String(),
			)

			r.mu.Lock()
			r.state.Status = RegistrationFailed
			r.state.LastError = err.Error()
			r.state.RetryAttempt = backoff.attempt
			r.mu.Unlock()

			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
				continue
			}
		}

		backoff.reset()
		now := time.Now()
		expiresAt := now.Add(time.Duration(granted) * time.Second)
		r.mu.Lock()
		r.state.Status = RegistrationRegistered
		r.state.LastError = ""
		r.state.RetryAttempt = 0
		r.state.RegisteredAt = &now
		r.state.ExpiresAt = &expiresAt
		r.mu.Unlock()

		if granted != r.expiry {
			r.logger.Info("registered (server adjusted expiry)",
				"requested_expiry", r.expiry,
				"granted_expiry", granted,
			)
		} else {
			r.logger.Info("registered", "expires_in", granted)
		}

		// Refresh at 80% of the granted expiry.
		refreshInterval := time.Duration(float64(granted)*0.8) * time.Second

		select {
		case <-ctx.Done():
			return
		case <-time.After(refreshInterval):
			r.logger.Debug("re-registering")
		}
	}
}

// unregister sends a REGISTER with expiry 0, best effort.
func (r *registrar) unregister(ctx context.Context) {
	r.mu.RLock()
	registered := r.state.Status == RegistrationRegistered
	r.mu.RUnlock()
	if !registered {
		return
	}

	if _, err := r.sendRegister(ctx, 0); err != nil {
		r.logger.Warn("failed to un-register", "error", err)
		return
	}
	r.mu.Lock()
	r.state.Status = RegistrationDisabled
	r.mu.Unlock()
}

// sendRegister sends a REGISTER, answering one digest challenge. It
// returns the server-granted expiry, or the requested one if the server
// does not say.
func (r *registrar) sendRegister(ctx context.Context, expiry int) (int, error) {
	var recipient sip.Uri
	if err := sip.ParseUri(fmt.Sprintf("sip:%s:%d", r.host, r.port), &recipient); err != nil {
		return 0, fmt.Errorf("parsing recipient uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport(strings.ToUpper(r.transport))

	aor := fmt.Sprintf("<sip:%s@%s>", r.username, r.host)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))
	req.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<sip:%s@%s>", r.username, r.contact)))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	tx, err := r.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, fmt.Errorf("sending register: %w", err)
	}

	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authReq, err := authorize(req, res, r.username, r.password)
		if err != nil {
			return 0, err
		}

		tx2, err := r.client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			return 0, fmt.Errorf("sending authenticated register: %w", err)
		}

		res, err = getResponse(ctx, tx2)
		tx2.Terminate()
		if err != nil {
			return 0, fmt.Errorf("waiting for authenticated register response: %w", err)
		}
	}

	if res.StatusCode != 200 {
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}

	// The registrar may shorten the requested expiry (RFC 3261 §10.2.4).
	granted := expiry
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseContactExpires(contactHdr.Value()); parsed > 0 {
			granted = parsed
		}
	} else if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed := parseExpiresHeader(expiresHdr.Value()); parsed > 0 {
			granted = parsed
		}
	}

	return granted, nil
}

// authorize answers a 401/407 challenge in res with a copy of req carrying
// the digest credentials. The copy has no Via; send it with
// ClientRequestIncreaseCSEQ and ClientRequestAddVia.
func authorize(req *sip.Request, res *sip.Response, username, password string) (*sip.Request, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if res.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	challenge := res.GetHeader(authHeader)
	if challenge == nil {
		return nil, fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(challenge.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: username,
		Password: password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
	return authReq, nil
}

// getResponse waits for the first response from a SIP client transaction.
func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}

// parseContactExpires extracts the expires parameter from a Contact header value.
// Contact headers may contain: <sip:user@host>;expires=3600
// Returns 0 if no expires parameter is found or parsing fails.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]

	// The value ends at the next semicolon, comma, or end of string.
	end := strings.IndexAny(rest, ";,> \t")
	if end > 0 {
		rest = rest[:end]
	}

	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return val
}

// parseExpiresHeader parses an Expires header value (a plain integer of seconds).
// Returns 0 if parsing fails.
func parseExpiresHeader(value string) int {
	val, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return val
}

// backoff implements exponential backoff with jitter for registration retries.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff() *backoff {
	return &backoff{
		baseDelay: 5 * time.Second,
		maxDelay:  5 * time.Minute,
	}
}

func (b *backoff) next() time.Duration {
	d := b.current()
	b.attempt++
	return d
}

func (b *backoff) current() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	// ±20% jitter.
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
