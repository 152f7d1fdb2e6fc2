// Package imap fetches messages from and deletes messages on an IMAP mailbox.
// Transport identifiers have the form "<uidvalidity>:<uid>".
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"golang.org/x/oauth2"

	"github.com/dhcgn/jobspool/model"
)

var ErrInvalidTID = errors.New("invalid imap transport id")

const (
	MechanismOAuthBearer = "oauthbearer"
	MechanismXOAuth2     = "xoauth2"
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string
	// UnseenOnly restricts fetching to messages without \Seen.
	UnseenOnly bool
	BatchSize  int
	// ExpungeAll allows a mailbox-wide EXPUNGE on servers without UIDPLUS.
	ExpungeAll bool

	// TokenSource switches authentication from LOGIN to SASL Mechanism.
	TokenSource oauth2.TokenSource
	Mechanism   string
}

func (o Options) Validate() error {
	if strings.TrimSpace(o.Host) == "" {
		return fmt.Errorf("imap host is empty")
	}
	if o.Port <= 0 {
		return fmt.Errorf("imap port must be positive")
	}
	if o.Username == "" {
		return fmt.Errorf("imap username is empty")
	}
	if o.TokenSource == nil && o.Password == "" {
		return fmt.Errorf("imap password is empty")
	}
	switch strings.ToLower(o.Mechanism) {
	case "", MechanismOAuthBearer, MechanismXOAuth2:
	default:
		return fmt.Errorf("unknown sasl mechanism %q", o.Mechanism)
	}
	return nil
}

func (o Options) mailbox() string {
	if o.Mailbox == "" {
		return "INBOX"
	}
	return o.Mailbox
}

// FormatTID renders the transport identifier of one message.
func FormatTID(uidValidity uint32, uid imapv2.UID) model.TID {
	return model.TID(strconv.FormatUint(uint64(uidValidity), 10) + ":" + strconv.FormatUint(uint64(uid), 10))
}

// ParseTID splits a transport identifier produced by FormatTID.
func ParseTID(tid model.TID) (uint32, imapv2.UID, error) {
	validity, uid, ok := strings.Cut(string(tid), ":")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTID, tid.Hex())
	}
	v, err := strconv.ParseUint(validity, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTID, tid.Hex())
	}
	u, err := strconv.ParseUint(uid, 10, 32)
	if err != nil || u == 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTID, tid.Hex())
	}
	return uint32(v), imapv2.UID(u), nil
}

// IsRemoteTID reports whether tid was produced by FormatTID.
func IsRemoteTID(tid model.TID) bool {
	_, _, err := ParseTID(tid)
	return err == nil
}

// session is an authenticated connection with the mailbox selected.
type session struct {
	client      *imapclient.Client
	uidValidity uint32
	cleanup     func()
}

func (s *session) Close() {
	if s.cleanup != nil {
		s.cleanup()
	}
}

func dial(ctx context.Context, opts Options, readOnly bool, logger *slog.Logger) (*session, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	address := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	options := &imapclient.Options{}

	if opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := authenticate(client, opts); err != nil {
		_ = client.Close()
		return nil, err
	}

	selected, err := client.Select(opts.mailbox(), &imapv2.SelectOptions{ReadOnly: readOnly}).Wait()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("select %s: %w", opts.mailbox(), err)
	}

	if logger != nil {
		logger.Debug("imap connection established", "address", address, "user", opts.Username,
			"mailbox", opts.mailbox(), "uidValidity", selected.UIDValidity, "messages", selected.NumMessages, "tls", opts.UseTLS)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil {
				if logger != nil {
					logger.Warn("imap logout failed", "err", err)
				}
			}
		}
		if err := client.Close(); err != nil && logger != nil {
			logger.Debug("imap connection closed", "err", err)
		}
	}

	return &session{client: client, uidValidity: selected.UIDValidity, cleanup: cleanup}, nil
}

func authenticate(client *imapclient.Client, opts Options) error {
	if opts.TokenSource == nil {
		if err := client.Login(opts.Username, opts.Password).Wait(); err != nil {
			return fmt.Errorf("imap login failed: %w", err)
		}
		return nil
	}

	tok, err := opts.TokenSource.Token()
	if err != nil {
		return fmt.Errorf("imap oauth token: %w", err)
	}
	saslClient := newSASLClient(opts, tok.AccessToken)
	if err := client.Authenticate(saslClient); err != nil {
		return fmt.Errorf("imap authenticate: %w", err)
	}
	return nil
}

func newSASLClient(opts Options, accessToken string) sasl.Client {
	if strings.ToLower(opts.Mechanism) == MechanismXOAuth2 {
		return &xoauth2Client{username: opts.Username, token: accessToken}
	}
	return sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
		Username: opts.Username,
		Token:    accessToken,
		Host:     opts.Host,
		Port:     opts.Port,
	})
}

// xoauth2Client implements the XOAUTH2 mechanism, which some providers offer
// instead of OAUTHBEARER.
type xoauth2Client struct {
	username string
	token    string
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	ir := "user=" + c.username + "\x01auth=Bearer " + c.token + "\x01\x01"
	return "XOAUTH2", []byte(ir), nil
}

// Next answers an error challenge with an empty response so the server can
// finish the exchange with a tagged NO.
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}

// OAuthOptions describes a refresh-token grant.
type OAuthOptions struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	RefreshToken string
	Scopes       []string
}

func (o OAuthOptions) Enabled() bool {
	return o.RefreshToken != ""
}

// TokenSource mints access tokens from the refresh token and caches them
// until they expire.
func (o OAuthOptions) TokenSource(ctx context.Context) oauth2.TokenSource {
	cfg := &oauth2.Config{
		ClientID:     o.ClientID,
		ClientSecret: o.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: o.TokenURL},
		Scopes:       o.Scopes,
	}
	return cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: o.RefreshToken})
}
