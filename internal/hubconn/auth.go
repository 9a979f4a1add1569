package hubconn

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/g960059/tronclient/internal/command"
	"github.com/g960059/tronclient/internal/model"
	"github.com/g960059/tronclient/internal/reply"
)

const nonceKeyword = "KnockKnock"

// Authorise runs the knock/login handshake. On rejection the connection is
// closed and the client returns to Disconnected without reconnecting.
func (c *Client) Authorise(ctx context.Context, creds model.Credentials) (bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, ErrClosed
	}
	if c.state != model.ConnConnected {
		state := c.state
		c.mu.Unlock()
		if !state.Live() {
			return false, &NotConnectedError{State: state}
		}
		return false, fmt.Errorf("%w: authorise while %s", ErrInvalidState, state)
	}
	if creds.Program == "" {
		creds.Program = c.last.Program
	}
	if creds.Username == "" {
		creds.Username = c.last.Username
	}
	gen := c.gen
	session := c.sessionID
	c.state = model.ConnAuthorising
	c.mu.Unlock()
	c.publish(model.StatusChange{From: model.ConnConnected, To: model.ConnAuthorising, SessionID: session})

	actx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	err := c.handshake(actx, creds)
	if err == nil {
		c.mu.Lock()
		if gen != c.gen {
			state := c.state
			c.mu.Unlock()
			return false, &NotConnectedError{State: state}
		}
		c.state = model.ConnAuthorised
		stored := creds
		c.creds = &stored
		c.last.Program = creds.Program
		c.last.Username = creds.Username
		p := c.last
		c.mu.Unlock()
		c.logger.Info("authorised", "program", creds.Program, "username", creds.Username, "session", session)
		c.publish(model.StatusChange{From: model.ConnAuthorising, To: model.ConnAuthorised, SessionID: session})
		c.saveParams(p)
		return true, nil
	}

	if errors.Is(err, ErrConnectionLost) {
		return false, err
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = &TimeoutError{Op: "authorise", Address: c.Params().Address(), After: c.cfg.ConnectTimeout}
	}
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		authErr = &AuthenticationError{Program: creds.Program, Username: creds.Username, Cause: err}
	}
	c.logger.Warn("authorisation failed", "program", creds.Program, "username", creds.Username, "error", authErr)

	c.mu.Lock()
	current := gen == c.gen
	if current {
		c.state = model.ConnFailed
	}
	c.mu.Unlock()
	if current {
		c.publish(model.StatusChange{From: model.ConnAuthorising, To: model.ConnFailed, Err: authErr, SessionID: session})
		c.teardown(gen, authErr, endRejected)
	}
	return false, authErr
}

func (c *Client) handshake(ctx context.Context, creds model.Credentials) error {
	knock, err := c.tracker.Submit(ctx, "auth knock", command.SubmitOptions{})
	if err != nil {
		return err
	}
	if err := knock.Wait(ctx); err != nil {
		return err
	}
	nonce, ok := c.findNonce(knock)
	if !ok {
		return &AuthenticationError{Program: creds.Program, Username: creds.Username, Message: "hub sent no " + nonceKeyword + " nonce"}
	}

	login := fmt.Sprintf("auth login program=%s username=%s password=%s",
		reply.FormatValue(reply.StringValue(creds.Program)),
		reply.FormatValue(reply.StringValue(creds.Username)),
		PasswordHash(nonce, creds.Password),
	)
	cmd, err := c.tracker.Submit(ctx, login, command.SubmitOptions{})
	if err != nil {
		return err
	}
	if err := cmd.Wait(ctx); err != nil {
		var ce *command.CommandError
		if errors.As(err, &ce) {
			return &AuthenticationError{Program: creds.Program, Username: creds.Username, Message: ce.Message, Cause: err}
		}
		return err
	}
	return nil
}

// findNonce looks for the nonce in the knock replies first, then in the
// keyword store in case the hub published it unsolicited.
func (c *Client) findNonce(knock *command.Command) (string, bool) {
	replies := knock.Replies()
	for i := len(replies) - 1; i >= 0; i-- {
		if e, ok := replies[i].Keyword(nonceKeyword); ok && len(e.Values) > 0 {
			return e.Values[0].String(), true
		}
	}
	var (
		best  string
		seq   uint64
		found bool
	)
	for _, kw := range c.store.Snapshot() {
		if kw.Name == nonceKeyword && len(kw.Values) > 0 && !kw.Stale && kw.Seq >= seq {
			best, seq, found = kw.Values[0].String(), kw.Seq, true
		}
	}
	return best, found
}

// PasswordHash is the login digest: hex(sha1(nonce + password)).
func PasswordHash(nonce, password string) string {
	sum := sha1.Sum([]byte(strings.TrimSpace(nonce) + password))
	return hex.EncodeToString(sum[:])
}
