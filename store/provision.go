package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mjl-/bstore"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/unicode/norm"

	"github.com/moon4656/skyboot.mail2-sub003/mlog"
)

// AddOrg creates an organization.
func (s *Store) AddOrg(ctx context.Context, name, domain string) (Org, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Org{}, fmt.Errorf("%w: empty org name", ErrValidation)
	}
	o := Org{Name: name, Domain: strings.ToLower(strings.TrimSpace(domain))}
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		if err := tx.Insert(&o); err != nil {
			if errors.Is(err, bstore.ErrUnique) {
				return fmt.Errorf("%w: org %q already exists", ErrConflict, name)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return Org{}, wrapTransient(err)
	}
	xlog.WithContext(ctx).Info("org added", mlog.Field("org", o.ID), mlog.Field("name", name))
	return o, nil
}

// OrgByName looks up an organization by name.
func (s *Store) OrgByName(ctx context.Context, name string) (Org, error) {
	o, err := bstore.QueryDB[Org](ctx, s.DB).FilterNonzero(Org{Name: name}).Get()
	if err == bstore.ErrAbsent {
		return Org{}, fmt.Errorf("%w: no such org", ErrNotFound)
	} else if err != nil {
		return Org{}, wrapTransient(err)
	}
	return o, nil
}

// Orgs returns all organizations, by name.
func (s *Store) Orgs(ctx context.Context) ([]Org, error) {
	l, err := bstore.QueryDB[Org](ctx, s.DB).SortAsc("Name").List()
	if err != nil {
		return nil, wrapTransient(err)
	}
	return l, nil
}

// AddUser creates a user in an organization and provisions the four system
// folders (Inbox, Sent, Drafts, Trash), all in one transaction. Password may
// be empty, leaving the user without a usable password until SetPassword.
func (s *Store) AddUser(ctx context.Context, orgID int64, email, name, password string) (User, error) {
	email, err := CheckAddress(email)
	if err != nil {
		return User{}, err
	}
	var hash string
	if password != "" {
		hash, err = passwordHash(password)
		if err != nil {
			return User{}, err
		}
	}

	u := User{OrgID: orgID, Email: email, Name: strings.TrimSpace(name), PasswordHash: hash}
	err = s.DB.Write(ctx, func(tx *bstore.Tx) error {
		o := Org{ID: orgID}
		if err := tx.Get(&o); err == bstore.ErrAbsent {
			return fmt.Errorf("%w: no such org", ErrNotFound)
		} else if err != nil {
			return err
		}
		if err := tx.Insert(&u); err != nil {
			if errors.Is(err, bstore.ErrUnique) {
				return fmt.Errorf("%w: user %s already exists", ErrConflict, email)
			}
			return err
		}
		for _, kind := range []FolderKind{FolderInbox, FolderSent, FolderDraft, FolderTrash} {
			f := Folder{
				ID:     uuid.New().String(),
				OrgID:  orgID,
				UserID: u.ID,
				Name:   SystemFolderNames[kind],
				Kind:   kind,
				System: true,
			}
			if err := tx.Insert(&f); err != nil {
				return fmt.Errorf("inserting %s folder: %w", kind, err)
			}
		}
		return nil
	})
	if err != nil {
		return User{}, wrapTransient(err)
	}
	xlog.WithContext(ctx).Info("user added", mlog.Field("user", u.ID), mlog.Field("org", orgID), mlog.Field("email", email))
	return u, nil
}

// UserByEmail looks up a user within an organization by address.
func (s *Store) UserByEmail(ctx context.Context, orgID int64, email string) (User, error) {
	email, err := CheckAddress(email)
	if err != nil {
		return User{}, err
	}
	u, err := bstore.QueryDB[User](ctx, s.DB).FilterNonzero(User{OrgID: orgID, Email: email}).Get()
	if err == bstore.ErrAbsent {
		return User{}, fmt.Errorf("%w: no such user", ErrNotFound)
	} else if err != nil {
		return User{}, wrapTransient(err)
	}
	return u, nil
}

// Users returns the users of an organization, by address.
func (s *Store) Users(ctx context.Context, orgID int64) ([]User, error) {
	var users []User
	err := s.DB.Read(ctx, func(tx *bstore.Tx) error {
		o := Org{ID: orgID}
		if err := tx.Get(&o); err == bstore.ErrAbsent {
			return fmt.Errorf("%w: no such org", ErrNotFound)
		} else if err != nil {
			return err
		}
		l, err := bstore.QueryTx[User](tx).FilterNonzero(User{OrgID: orgID}).SortAsc("Email").List()
		if err != nil {
			return err
		}
		users = l
		return nil
	})
	if err != nil {
		return nil, wrapTransient(err)
	}
	return users, nil
}

// SetPassword stores a new bcrypt password hash for the user.
func (s *Store) SetPassword(ctx context.Context, userID, orgID int64, password string) error {
	hash, err := passwordHash(password)
	if err != nil {
		return err
	}
	err = s.DB.Write(ctx, func(tx *bstore.Tx) error {
		u, err := orgUser(tx, userID, orgID)
		if err != nil {
			return err
		}
		u.PasswordHash = hash
		return tx.Update(&u)
	})
	if err != nil {
		return wrapTransient(err)
	}
	xlog.WithContext(ctx).Info("password set", mlog.Field("user", userID))
	return nil
}

func passwordHash(password string) (string, error) {
	if len(password) < 8 {
		return "", fmt.Errorf("%w: password must be at least 8 characters", ErrValidation)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("generating password hash: %w", err)
	}
	return string(hash), nil
}

// checkFolderName normalizes and validates a folder name.
func checkFolderName(name string) (string, error) {
	name = strings.TrimSpace(norm.NFC.String(name))
	if name == "" {
		return "", fmt.Errorf("%w: empty folder name", ErrValidation)
	}
	if len(name) > 255 {
		return "", fmt.Errorf("%w: folder name too long", ErrValidation)
	}
	for _, c := range name {
		if c < 0x20 || c == 0x7f {
			return "", fmt.Errorf("%w: control character in folder name", ErrValidation)
		}
	}
	return name, nil
}

// AddFolder creates a custom folder for the user.
func (s *Store) AddFolder(ctx context.Context, userID, orgID int64, name string) (Folder, error) {
	name, err := checkFolderName(name)
	if err != nil {
		return Folder{}, err
	}
	f := Folder{ID: uuid.New().String(), OrgID: orgID, UserID: userID, Name: name, Kind: FolderCustom}
	err = s.DB.Write(ctx, func(tx *bstore.Tx) error {
		if _, err := orgUser(tx, userID, orgID); err != nil {
			return err
		}
		if err := tx.Insert(&f); err != nil {
			if errors.Is(err, bstore.ErrUnique) {
				return fmt.Errorf("%w: folder %q already exists", ErrConflict, name)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return Folder{}, wrapTransient(err)
	}
	xlog.WithContext(ctx).Debug("folder added", mlog.Field("folder", f.ID), mlog.Field("user", userID))
	return f, nil
}

// RenameFolder renames a custom folder. System folders keep their name.
func (s *Store) RenameFolder(ctx context.Context, userID, orgID int64, folderID, name string) error {
	name, err := checkFolderName(name)
	if err != nil {
		return err
	}
	err = s.DB.Write(ctx, func(tx *bstore.Tx) error {
		f, err := userFolder(tx, userID, orgID, folderID)
		if err != nil {
			return err
		}
		if f.System {
			return fmt.Errorf("%w: cannot rename system folder", ErrConflict)
		}
		f.Name = name
		if err := tx.Update(&f); err != nil {
			if errors.Is(err, bstore.ErrUnique) {
				return fmt.Errorf("%w: folder %q already exists", ErrConflict, name)
			}
			return err
		}
		return nil
	})
	return wrapTransient(err)
}

// RemoveFolder deletes an empty custom folder. System folders and folders
// still holding placements cannot be removed.
func (s *Store) RemoveFolder(ctx context.Context, userID, orgID int64, folderID string) error {
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		f, err := userFolder(tx, userID, orgID, folderID)
		if err != nil {
			return err
		}
		if f.System {
			return fmt.Errorf("%w: cannot remove system folder", ErrConflict)
		}
		n, err := bstore.QueryTx[Placement](tx).FilterNonzero(Placement{FolderID: f.ID}).Count()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: folder not empty", ErrConflict)
		}
		return tx.Delete(&Folder{ID: f.ID})
	})
	return wrapTransient(err)
}

// Folders returns the user's folders, system folders first, then custom
// folders by name.
func (s *Store) Folders(ctx context.Context, userID, orgID int64) ([]Folder, error) {
	var folders []Folder
	err := s.DB.Read(ctx, func(tx *bstore.Tx) error {
		if _, err := orgUser(tx, userID, orgID); err != nil {
			return err
		}
		l, err := bstore.QueryTx[Folder](tx).FilterNonzero(Folder{UserID: userID}).SortAsc("Name").List()
		if err != nil {
			return err
		}
		var system, custom []Folder
		for _, f := range l {
			if f.System {
				system = append(system, f)
			} else {
				custom = append(custom, f)
			}
		}
		folders = append(system, custom...)
		return nil
	})
	if err != nil {
		return nil, wrapTransient(err)
	}
	return folders, nil
}

// FolderByName looks up one of the user's folders by name.
func (s *Store) FolderByName(ctx context.Context, userID, orgID int64, name string) (Folder, error) {
	name, err := checkFolderName(name)
	if err != nil {
		return Folder{}, err
	}
	var folder Folder
	err = s.DB.Read(ctx, func(tx *bstore.Tx) error {
		if _, err := orgUser(tx, userID, orgID); err != nil {
			return err
		}
		f, err := bstore.QueryTx[Folder](tx).FilterNonzero(Folder{UserID: userID, Name: name}).Get()
		if err == bstore.ErrAbsent {
			return fmt.Errorf("%w: no such folder", ErrNotFound)
		} else if err != nil {
			return err
		}
		folder = f
		return nil
	})
	if err != nil {
		return Folder{}, wrapTransient(err)
	}
	return folder, nil
}

// userFolder fetches a folder, enforcing user and org scope with the same
// not-found for absent and foreign folders.
func userFolder(tx *bstore.Tx, userID, orgID int64, folderID string) (Folder, error) {
	if folderID == "" {
		return Folder{}, fmt.Errorf("%w: no such folder", ErrNotFound)
	}
	f := Folder{ID: folderID}
	err := tx.Get(&f)
	if err == bstore.ErrAbsent || (err == nil && (f.UserID != userID || f.OrgID != orgID)) {
		return Folder{}, fmt.Errorf("%w: no such folder", ErrNotFound)
	} else if err != nil {
		return Folder{}, fmt.Errorf("fetching folder: %w", err)
	}
	return f, nil
}
