package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/mjl-/bstore"

	"golang.org/x/text/unicode/norm"
)

// Resolved is one recipient address after resolution: bound to a local user
// of the sender's organization, or external.
type Resolved struct {
	Email string
	Kind  RecipientKind
	// Local user the address resolved to, 0 when external. External addresses
	// are relayed, never fanned out.
	UserID int64
}

// Local reports whether the address resolved to a local user.
func (r Resolved) Local() bool {
	return r.UserID != 0
}

// CheckAddress normalizes and validates an email address: trimmed,
// lower-cased, NFC-normalized. Validation is a syntactic check, not a full
// RFC 5321 grammar.
func CheckAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("%w: empty address", ErrValidation)
	}
	for _, c := range addr {
		if c <= ' ' || c == 0x7f {
			return "", fmt.Errorf("%w: bad character in address %q", ErrValidation, addr)
		}
	}
	if len(addr) > 320 {
		return "", fmt.Errorf("%w: address too long", ErrValidation)
	}
	at := strings.Index(addr, "@")
	if at <= 0 || at != strings.LastIndex(addr, "@") || at == len(addr)-1 {
		return "", fmt.Errorf("%w: malformed address %q", ErrValidation, addr)
	}
	if at > 64 {
		return "", fmt.Errorf("%w: local part too long", ErrValidation)
	}
	return strings.ToLower(norm.NFC.String(addr)), nil
}

// ResolveRecipients classifies the to/cc/bcc addresses for a sender in org
// orgID: local (a user with that address exists in that same org) or
// external. Pure lookup, no writes; duplicate (address, kind) pairs are
// collapsed. A malformed address fails the whole resolution.
func (s *Store) ResolveRecipients(ctx context.Context, orgID int64, to, cc, bcc []string) ([]Resolved, error) {
	var resolved []Resolved
	err := s.DB.Read(ctx, func(tx *bstore.Tx) error {
		o := Org{ID: orgID}
		if err := tx.Get(&o); err == bstore.ErrAbsent {
			return fmt.Errorf("%w: no such org", ErrNotFound)
		} else if err != nil {
			return err
		}
		var err error
		resolved, err = resolveRecipients(tx, orgID, to, cc, bcc)
		return err
	})
	if err != nil {
		return nil, wrapTransient(err)
	}
	return resolved, nil
}

func resolveRecipients(tx *bstore.Tx, orgID int64, to, cc, bcc []string) ([]Resolved, error) {
	var resolved []Resolved
	seen := map[[2]string]bool{}
	add := func(addrs []string, kind RecipientKind) error {
		for _, a := range addrs {
			email, err := CheckAddress(a)
			if err != nil {
				return err
			}
			k := [2]string{email, string(kind)}
			if seen[k] {
				continue
			}
			seen[k] = true
			r := Resolved{Email: email, Kind: kind}
			u, err := bstore.QueryTx[User](tx).FilterNonzero(User{OrgID: orgID, Email: email}).Get()
			if err == nil {
				r.UserID = u.ID
			} else if err != bstore.ErrAbsent {
				return fmt.Errorf("resolving %s: %w", email, err)
			}
			resolved = append(resolved, r)
		}
		return nil
	}
	if err := add(to, RcptTo); err != nil {
		return nil, err
	}
	if err := add(cc, RcptCc); err != nil {
		return nil, err
	}
	if err := add(bcc, RcptBcc); err != nil {
		return nil, err
	}
	return resolved, nil
}
