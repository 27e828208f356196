// Package clients manages client records and their wallets.
package clients

import (
	"context"
	"errors"
	"sort"
	"sync"
	"unicode/utf8"

	"clientdesk/internal/apperr"
	"clientdesk/internal/iban"
	"clientdesk/internal/metrics"
	"clientdesk/internal/models"
	"clientdesk/internal/storage"
	"clientdesk/internal/upload"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

const (
	minNameLen   = 3
	maxNameLen   = 20
	minIBANLen   = 20
	maxIBANLen   = 34
	idNumberLen  = 11
	walletPlaces = 2

	defaultSwapRetries = 5

	// Amount bounds. The exponent and coefficient limits are checked first
	// so oversized values are rejected before any rescaling.
	maxAmountExponent = 12
	minAmountExponent = -16
	maxAmountBits     = 128
)

// MaxAmount bounds both a single adjustment and a wallet.
var MaxAmount = decimal.New(1, maxAmountExponent)

const (
	msgAllFields       = "All fields (firstName, secondName, iban, idNumber, idPhoto) are required"
	msgFirstNameLength = "First name must be between 3 and 20 characters"
	msgLastNameLength  = "Second name must be between 3 and 20 characters"
	msgIBANLength      = "IBAN must be between 20 and 34 characters"
	msgIBANChecksum    = "IBAN checksum is invalid"
	msgIDNumberLength  = "ID number must be exactly 11 characters"
	msgIBANTaken       = "IBAN is already registered"
	msgIDNumberTaken   = "ID number is already registered"
	msgClientExists    = "Client already exists"
	msgNotFound        = "Client not found"
	msgBalanceNotZero  = "Client cannot be deleted unless the balance is 0"
	msgInsufficient    = "Insufficient balance"
	msgAmountPlaces    = "Amount must have at most 2 decimal places"
	msgAmountTooLarge  = "Amount must not exceed 1000000000000"
	msgWalletTooLarge  = "Balance must not exceed 1000000000000"
	msgBusy            = "Balance is being updated, please retry"
	msgUnavailable     = "Unable to reach server"
)

// Store persists client records.
type Store interface {
	CreateClient(ctx context.Context, c *models.Client) error
	GetClient(ctx context.Context, id models.ID) (*models.Client, error)
	ListClientsByUser(ctx context.Context, userID models.ID) ([]models.Client, error)
	SwapWallet(ctx context.Context, id models.ID, expected, next decimal.Decimal) (bool, error)
	DeleteClientIfEmpty(ctx context.Context, id models.ID) error
}

// Photos stores accepted identity photos.
type Photos interface {
	Save(ctx context.Context, f *upload.File) (string, error)
	Discard(ctx context.Context, name string)
}

// IDSource hands out new client IDs.
type IDSource interface {
	Next() models.ID
}

// NewClient holds the text fields of a creation request.
type NewClient struct {
	FirstName  string
	SecondName string
	IBAN       string
	IDNumber   string
}

// Options tunes validation and ordering.
type Options struct {
	// IBANStrict additionally verifies the mod-97 check digits.
	IBANStrict bool
	// Language selects the collation used to order client lists.
	Language string
	// SwapRetries bounds compare-and-swap attempts per adjustment.
	SwapRetries int
}

// Service implements the client record store and the balance mutator.
type Service struct {
	store  Store
	photos Photos
	ids    IDSource
	opts   Options
	log    *zap.SugaredLogger

	locks *keyedMutex

	// collate.Collator is not safe for concurrent use.
	collMu   sync.Mutex
	collator *collate.Collator
}

// NewService creates a client service.
func NewService(store Store, photos Photos, ids IDSource, opts Options, log *zap.SugaredLogger) *Service {
	if opts.SwapRetries <= 0 {
		opts.SwapRetries = defaultSwapRetries
	}
	tag := language.English
	if opts.Language != "" {
		if t, err := language.Parse(opts.Language); err == nil {
			tag = t
		}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Service{
		store:    store,
		photos:   photos,
		ids:      ids,
		opts:     opts,
		log:      log,
		locks:    newKeyedMutex(),
		collator: collate.New(tag, collate.IgnoreCase),
	}
}

// Create validates in, stores photo and persists a client with an empty
// wallet owned by owner. The photo is removed again if the record cannot be
// stored.
func (s *Service) Create(ctx context.Context, in NewClient, owner models.ID, photo *upload.File) (*models.Client, error) {
	in.IBAN = iban.Normalize(in.IBAN)
	if err := s.validate(in, photo); err != nil {
		return nil, err
	}

	name, err := s.photos.Save(ctx, photo)
	if err != nil {
		return nil, apperr.Internal(msgUnavailable, err)
	}

	c := &models.Client{
		ID:         s.ids.Next(),
		FirstName:  in.FirstName,
		SecondName: in.SecondName,
		IBAN:       in.IBAN,
		IDNumber:   in.IDNumber,
		IDPhoto:    name,
		Wallet:     decimal.Zero,
		UserID:     owner,
	}
	if err := s.store.CreateClient(ctx, c); err != nil {
		s.photos.Discard(ctx, name)
		return nil, duplicateError(err)
	}

	s.log.Infow("client created", "client_id", c.ID, "user_id", owner)
	return c, nil
}

func (s *Service) validate(in NewClient, photo *upload.File) error {
	var missing []string
	if in.FirstName == "" {
		missing = append(missing, "firstName")
	}
	if in.SecondName == "" {
		missing = append(missing, "secondName")
	}
	if in.IBAN == "" {
		missing = append(missing, "iban")
	}
	if in.IDNumber == "" {
		missing = append(missing, "idNumber")
	}
	if photo == nil {
		missing = append(missing, "idPhoto")
	}
	if len(missing) > 0 {
		return apperr.Validation(msgAllFields, missing...)
	}

	if !between(in.FirstName, minNameLen, maxNameLen) {
		return apperr.Validation(msgFirstNameLength, "firstName")
	}
	if !between(in.SecondName, minNameLen, maxNameLen) {
		return apperr.Validation(msgLastNameLength, "secondName")
	}
	if !between(in.IBAN, minIBANLen, maxIBANLen) {
		return apperr.Validation(msgIBANLength, "iban")
	}
	if s.opts.IBANStrict && !iban.Valid(in.IBAN) {
		return apperr.Validation(msgIBANChecksum, "iban")
	}
	if utf8.RuneCountInString(in.IDNumber) != idNumberLen {
		return apperr.Validation(msgIDNumberLength, "idNumber")
	}
	return nil
}

func between(s string, lo, hi int) bool {
	n := utf8.RuneCountInString(s)
	return n >= lo && n <= hi
}

func duplicateError(err error) error {
	var dup *storage.DuplicateError
	if !errors.As(err, &dup) {
		return apperr.Internal(msgUnavailable, err)
	}
	switch dup.Column {
	case "clients.iban":
		return apperr.Conflict(msgIBANTaken, err)
	case "clients.id_number":
		return apperr.Conflict(msgIDNumberTaken, err)
	default:
		return apperr.Conflict(msgClientExists, err)
	}
}

// Get returns client id if owner owns it. Clients of other users are
// reported as missing.
func (s *Service) Get(ctx context.Context, id, owner models.ID) (*models.Client, error) {
	c, err := s.store.GetClient(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, apperr.NotFound(msgNotFound)
	case err != nil:
		return nil, apperr.Internal(msgUnavailable, err)
	case c.UserID != owner:
		return nil, apperr.NotFound(msgNotFound)
	}
	return c, nil
}

// List returns the clients of owner ordered by second name, then first
// name, using the configured collation.
func (s *Service) List(ctx context.Context, owner models.ID) ([]models.Client, error) {
	clients, err := s.store.ListClientsByUser(ctx, owner)
	if err != nil {
		return nil, apperr.Internal(msgUnavailable, err)
	}

	s.collMu.Lock()
	defer s.collMu.Unlock()
	sort.SliceStable(clients, func(i, j int) bool {
		a, b := &clients[i], &clients[j]
		if c := s.collator.CompareString(a.SecondName, b.SecondName); c != 0 {
			return c < 0
		}
		if c := s.collator.CompareString(a.FirstName, b.FirstName); c != 0 {
			return c < 0
		}
		return a.ID < b.ID
	})
	return clients, nil
}

// Delete removes client id when its wallet is empty.
func (s *Service) Delete(ctx context.Context, id, owner models.ID) error {
	c, err := s.Get(ctx, id, owner)
	if err != nil {
		return err
	}

	err = s.store.DeleteClientIfEmpty(ctx, id)
	switch {
	case errors.Is(err, storage.ErrBalanceNotZero):
		return apperr.Precondition(msgBalanceNotZero)
	case errors.Is(err, storage.ErrNotFound):
		return apperr.NotFound(msgNotFound)
	case err != nil:
		return apperr.Internal(msgUnavailable, err)
	}

	s.photos.Discard(ctx, c.IDPhoto)
	s.log.Infow("client deleted", "client_id", id, "user_id", owner)
	return nil
}

// Adjust adds delta to the wallet of client id and returns the updated
// client. A result below zero is rejected and nothing is written.
// Adjustments of one client are serialised in-process, and the write only
// lands if the wallet still holds the value it was computed from.
func (s *Service) Adjust(ctx context.Context, id, owner models.ID, delta decimal.Decimal) (*models.Client, error) {
	if err := checkAmount(delta); err != nil {
		metrics.RecordAdjustment(metrics.AdjustInvalid)
		return nil, err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	for attempt := 0; attempt < s.opts.SwapRetries; attempt++ {
		c, err := s.Get(ctx, id, owner)
		if err != nil {
			return nil, err
		}

		next := c.Wallet.Add(delta)
		if next.IsNegative() {
			metrics.RecordAdjustment(metrics.AdjustInsufficient)
			return nil, apperr.Precondition(msgInsufficient)
		}
		if next.GreaterThan(MaxAmount) {
			metrics.RecordAdjustment(metrics.AdjustInvalid)
			return nil, apperr.Validation(msgWalletTooLarge, "wallet")
		}

		ok, err := s.store.SwapWallet(ctx, id, c.Wallet, next)
		if err != nil {
			return nil, apperr.Internal(msgUnavailable, err)
		}
		if ok {
			c.Wallet = next
			if delta.IsNegative() {
				metrics.RecordAdjustment(metrics.AdjustDebit)
			} else {
				metrics.RecordAdjustment(metrics.AdjustCredit)
			}
			s.log.Debugw("wallet adjusted", "client_id", id, "delta", delta.String(), "wallet", next.String())
			return c, nil
		}
		// Another process changed the wallet between read and write.
		s.log.Debugw("wallet swap lost race", "client_id", id, "attempt", attempt+1)
	}

	metrics.RecordAdjustment(metrics.AdjustConflict)
	return nil, apperr.Conflict(msgBusy, nil)
}

// checkAmount rejects deltas that are out of range or carry more than two
// decimal places.
func checkAmount(delta decimal.Decimal) error {
	exp := delta.Exponent()
	if exp > maxAmountExponent || delta.Coefficient().BitLen() > maxAmountBits {
		return apperr.Validation(msgAmountTooLarge, "wallet")
	}
	if exp < minAmountExponent {
		return apperr.Validation(msgAmountPlaces, "wallet")
	}
	if delta.Abs().GreaterThan(MaxAmount) {
		return apperr.Validation(msgAmountTooLarge, "wallet")
	}
	if !delta.Equal(delta.Round(walletPlaces)) {
		return apperr.Validation(msgAmountPlaces, "wallet")
	}
	return nil
}
