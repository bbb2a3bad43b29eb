package services

import (
	"fmt"
	"net/url"
	"strings"

	"beamdrop/internal/core/domain"
	"beamdrop/pkg/utils"
	"beamdrop/pkg/validation"

	"go.uber.org/zap"
)

const (
	hostIDParam     = "hostId"
	legacyRoomParam = "room"
)

// SessionResolver decides whether this process anchors a new session or
// joins an existing one.
type SessionResolver struct {
	shareBaseURL string
	idLength     int
	newID        func(prefix string, n int) string
	logger       *zap.SugaredLogger
}

func NewSessionResolver(shareBaseURL string, idLength int, logger *zap.SugaredLogger) *SessionResolver {
	return &SessionResolver{
		shareBaseURL: shareBaseURL,
		idLength:     idLength,
		newID:        utils.GenerateShortID,
		logger:       logger,
	}
}

// Resolve never fails: an absent or malformed locator starts a new session
// as anchor.
func (r *SessionResolver) Resolve(locator string) domain.SessionIdentity {
	locator = strings.TrimSpace(locator)
	if locator != "" {
		anchorID, err := ParseLocator(locator)
		if err == nil {
			identity := domain.SessionIdentity{
				Role:           domain.RoleJoiner,
				LocalID:        domain.PeerID(r.newID(domain.JoinerIDPrefix, r.idLength)),
				RemoteAnchorID: anchorID,
			}
			identity.ShareLocator = r.shareLocator(anchorID)
			r.logger.Infow("joining session",
				"local_id", identity.LocalID,
				"anchor_id", anchorID,
			)
			return identity
		}
		r.logger.Warnw("ignoring malformed session locator, starting a new session",
			"locator", locator,
			"error", err,
		)
	}

	id := domain.PeerID(r.newID(domain.AnchorIDPrefix, r.idLength))
	identity := domain.SessionIdentity{
		Role:         domain.RoleAnchor,
		LocalID:      id,
		ShareLocator: r.shareLocator(id),
	}
	r.logger.Infow("anchoring new session",
		"local_id", id,
		"share_locator", identity.ShareLocator,
	)
	return identity
}

// shareLocator embeds anchorID into the base URL, keeping any query the base
// already carries.
func (r *SessionResolver) shareLocator(anchorID domain.PeerID) string {
	u, err := url.Parse(r.shareBaseURL)
	if err != nil {
		return fmt.Sprintf("%s?%s=%s", r.shareBaseURL, hostIDParam, url.QueryEscape(string(anchorID)))
	}
	q := u.Query()
	q.Set(hostIDParam, string(anchorID))
	u.RawQuery = q.Encode()
	return u.String()
}

// ParseLocator extracts the anchor id from a share locator. Accepted forms
// are a URL carrying hostId=, a URL carrying the legacy room=, a bare query
// string, or a bare id.
func ParseLocator(locator string) (domain.PeerID, error) {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return "", fmt.Errorf("%w: empty", domain.ErrMalformedLocator)
	}

	var id string
	switch {
	case strings.Contains(locator, "://"):
		u, err := url.Parse(locator)
		if err != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrMalformedLocator, err)
		}
		id = idFromQuery(u.Query())
		if id == "" {
			id = idFromFragment(u.Fragment)
		}
	case strings.ContainsAny(locator, "?=&"):
		raw := locator
		if i := strings.Index(raw, "?"); i >= 0 {
			raw = raw[i+1:]
		}
		q, err := url.ParseQuery(raw)
		if err != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrMalformedLocator, err)
		}
		id = idFromQuery(q)
	default:
		id = locator
	}

	if id == "" {
		return "", fmt.Errorf("%w: no %s or %s parameter", domain.ErrMalformedLocator, hostIDParam, legacyRoomParam)
	}
	if err := validation.ValidatePeerID(id); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrMalformedLocator, err)
	}
	return domain.PeerID(id), nil
}

func idFromQuery(q url.Values) string {
	if id := strings.TrimSpace(q.Get(hostIDParam)); id != "" {
		return id
	}
	return strings.TrimSpace(q.Get(legacyRoomParam))
}

// idFromFragment handles single-page-app links such as https://host/#/?hostId=x.
func idFromFragment(fragment string) string {
	i := strings.Index(fragment, "?")
	if i < 0 {
		return ""
	}
	q, err := url.ParseQuery(fragment[i+1:])
	if err != nil {
		return ""
	}
	return idFromQuery(q)
}
