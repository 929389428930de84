package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/backend-dojo/internal/common"
	"github.com/noah-isme/backend-dojo/internal/store"
)

// plainHasher avoids argon2 cost in tests.
type plainHasher struct{}

func (plainHasher) Hash(password string) (string, error) { return "plain:" + password, nil }
func (plainHasher) Compare(password, hash string) (bool, error) {
	return hash == "plain:"+password, nil
}

type stubQuerier struct {
	accounts map[string]store.Account
	byID     map[uuid.UUID]store.Account
	families map[uuid.UUID]store.Family
}

func newStub() *stubQuerier {
	return &stubQuerier{
		accounts: map[string]store.Account{},
		byID:     map[uuid.UUID]store.Account{},
		families: map[uuid.UUID]store.Family{},
	}
}

func (q *stubQuerier) InsertAccount(ctx context.Context, arg store.InsertAccountParams) (store.Account, error) {
	if _, exists := q.accounts[arg.Email]; exists {
		return store.Account{}, &pgconn.PgError{Code: "23505", ConstraintName: "accounts_email_key"}
	}
	a := store.Account{
		ID: uuid.New(), Email: arg.Email, PasswordHash: arg.PasswordHash,
		Role: arg.Role, FamilyID: arg.FamilyID, CreatedAt: time.Now(),
	}
	q.accounts[a.Email] = a
	q.byID[a.ID] = a
	return a, nil
}

func (q *stubQuerier) GetAccountByEmail(ctx context.Context, email string) (store.Account, error) {
	a, ok := q.accounts[email]
	if !ok {
		return store.Account{}, store.ErrNoRows
	}
	return a, nil
}

func (q *stubQuerier) GetAccount(ctx context.Context, id uuid.UUID) (store.Account, error) {
	a, ok := q.byID[id]
	if !ok {
		return store.Account{}, store.ErrNoRows
	}
	return a, nil
}

func (q *stubQuerier) InsertFamily(ctx context.Context, arg store.InsertFamilyParams) (store.Family, error) {
	f := store.Family{ID: uuid.New(), Name: arg.Name}
	q.families[f.ID] = f
	return f, nil
}

func newService(t *testing.T) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return &Service{
		Q:        newStub(),
		Sessions: client,
		Hasher:   plainHasher{},
		Secret:   []byte("test-secret-test-secret-test-secr"),
		Issuer:   "dojo-api",
		Audience: "dojo-portal",
		Now:      func() time.Time { return time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC) },
	}
}

func register(t *testing.T, svc *Service) RegisterResult {
	t.Helper()
	res, err := svc.Register(context.Background(), RegisterInput{
		Email: "Guardian@Example.COM ", Password: "correct horse", FamilyName: "Tanaka",
	})
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestRegisterCreatesFamilyAndGuardian(t *testing.T) {
	svc := newService(t)
	res := register(t, svc)

	if res.Account.Email != "guardian@example.com" {
		t.Errorf("email = %q, want normalised", res.Account.Email)
	}
	if res.Account.Role != common.RoleGuardian {
		t.Errorf("role = %s", res.Account.Role)
	}
	if res.Account.FamilyID == nil || *res.Account.FamilyID != res.Family.ID {
		t.Error("account not bound to its family")
	}
	if res.Family.Name != "Tanaka" {
		t.Errorf("family name = %q", res.Family.Name)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	svc := newService(t)
	register(t, svc)

	_, err := svc.Register(context.Background(), RegisterInput{
		Email: "guardian@example.com", Password: "another pass", FamilyName: "Other",
	})
	if !common.IsCode(err, common.CodeConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc := newService(t)
	cases := []RegisterInput{
		{Password: "long enough", FamilyName: "X"},
		{Email: "a@b.c", Password: "short", FamilyName: "X"},
		{Email: "a@b.c", Password: "long enough"},
	}
	for i, in := range cases {
		if _, err := svc.Register(context.Background(), in); !common.IsCode(err, common.CodeValidation) {
			t.Errorf("case %d: err = %v, want validation", i, err)
		}
	}
}

func TestLoginUniformFailure(t *testing.T) {
	svc := newService(t)
	register(t, svc)

	_, _, errUnknown := svc.Login(context.Background(), "nobody@example.com", "whatever")
	_, _, errWrongPass := svc.Login(context.Background(), "guardian@example.com", "wrong")
	if !common.IsCode(errUnknown, common.CodeUnauthorized) || !common.IsCode(errWrongPass, common.CodeUnauthorized) {
		t.Fatalf("errors = %v / %v, want unauthorized", errUnknown, errWrongPass)
	}
	var a, b *common.AppError
	errors.As(errUnknown, &a)
	errors.As(errWrongPass, &b)
	if a.Message != b.Message {
		t.Fatal("unknown email and wrong password must be indistinguishable")
	}
}

func TestLoginTokenRoundTrip(t *testing.T) {
	svc := newService(t)
	res := register(t, svc)

	account, pair, err := svc.Login(context.Background(), "guardian@example.com", "correct horse")
	if err != nil {
		t.Fatal(err)
	}
	if account.ID != res.Account.ID {
		t.Fatal("login returned a different account")
	}

	principal, err := svc.ParseAccessToken(pair.AccessToken)
	if err != nil {
		t.Fatal(err)
	}
	if principal.AccountID != res.Account.ID {
		t.Errorf("sub = %s", principal.AccountID)
	}
	if principal.Role != common.RoleGuardian {
		t.Errorf("role = %s", principal.Role)
	}
	if principal.FamilyID != res.Family.ID.String() {
		t.Errorf("family claim = %s", principal.FamilyID)
	}
	if !principal.OwnsFamily(res.Family.ID.String()) {
		t.Error("principal should own its family")
	}
	if principal.IsAdmin() {
		t.Error("guardian classed as admin")
	}
}

func TestParseAccessTokenRejectsForeignAlgorithms(t *testing.T) {
	svc := newService(t)
	register(t, svc)

	token, err := jwt.NewBuilder().
		Subject(uuid.NewString()).
		Issuer(svc.Issuer).
		Audience([]string{svc.Audience}).
		IssuedAt(svc.Now()).
		Expiration(svc.Now().Add(time.Hour)).
		Claim("role", common.RoleAdmin).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	// Correct secret, wrong algorithm: the HS256 pin must reject it.
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS512, svc.Secret))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ParseAccessToken(string(signed)); !common.IsCode(err, common.CodeUnauthorized) {
		t.Fatalf("HS512 token: err = %v, want unauthorized", err)
	}

	forged, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, []byte("some other secret entirely here!")))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ParseAccessToken(string(forged)); !common.IsCode(err, common.CodeUnauthorized) {
		t.Fatalf("wrong secret: err = %v, want unauthorized", err)
	}

	if _, err := svc.ParseAccessToken("not-a-token"); !common.IsCode(err, common.CodeUnauthorized) {
		t.Fatalf("garbage: err = %v", err)
	}
}

func TestParseAccessTokenExpiry(t *testing.T) {
	svc := newService(t)
	register(t, svc)
	_, pair, err := svc.Login(context.Background(), "guardian@example.com", "correct horse")
	if err != nil {
		t.Fatal(err)
	}

	base := svc.Now()
	svc.Now = func() time.Time { return base.Add(16 * time.Minute) }
	if _, err := svc.ParseAccessToken(pair.AccessToken); !common.IsCode(err, common.CodeUnauthorized) {
		t.Fatalf("expired token: err = %v, want unauthorized", err)
	}
}

func TestRefreshRotates(t *testing.T) {
	svc := newService(t)
	register(t, svc)
	_, pair, err := svc.Login(context.Background(), "guardian@example.com", "correct horse")
	if err != nil {
		t.Fatal(err)
	}

	next, err := svc.Refresh(context.Background(), pair.RefreshToken)
	if err != nil {
		t.Fatal(err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatal("refresh token not rotated")
	}
	// The consumed token is gone; replaying it fails.
	if _, err := svc.Refresh(context.Background(), pair.RefreshToken); !common.IsCode(err, common.CodeUnauthorized) {
		t.Fatalf("replayed refresh: err = %v, want unauthorized", err)
	}
	// The rotated token still works.
	if _, err := svc.Refresh(context.Background(), next.RefreshToken); err != nil {
		t.Fatal(err)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	svc := newService(t)
	register(t, svc)
	_, pair, err := svc.Login(context.Background(), "guardian@example.com", "correct horse")
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Logout(context.Background(), pair.RefreshToken); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Refresh(context.Background(), pair.RefreshToken); !common.IsCode(err, common.CodeUnauthorized) {
		t.Fatalf("refresh after logout: err = %v, want unauthorized", err)
	}
	// Logging out twice is fine.
	if err := svc.Logout(context.Background(), pair.RefreshToken); err != nil {
		t.Fatal(err)
	}
}
