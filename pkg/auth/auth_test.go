package auth

import (
	"context"
	"net/http"
	"testing"
)

// mockAuthn is a test authenticator with configurable behavior.
type mockAuthn struct {
	result AuthResult
}

func (m *mockAuthn) Authenticate(_ context.Context, _ *http.Request) AuthResult {
	return m.result
}

func TestAuthChain_FirstYesStops(t *testing.T) {
	chain := &AuthChain{
		Authenticators: []Authenticator{
			&mockAuthn{result: AuthResult{Decision: Yes, Identity: &Identity{Subject: "alice"}}},
			&mockAuthn{result: AuthResult{Decision: No, Err: ErrUnauthenticated}},
		},
		DefaultDecision: No,
	}

	r, _ := http.NewRequest("GET", "/", nil)
	result := chain.Authenticate(context.Background(), r)

	if result.Decision != Yes {
		t.Errorf("Decision = %d, want Yes", result.Decision)
	}
	if result.Identity.Subject != "alice" {
		t.Errorf("Subject = %q, want %q", result.Identity.Subject, "alice")
	}
}

func TestAuthChain_FirstNoStops(t *testing.T) {
	chain := &AuthChain{
		Authenticators: []Authenticator{
			&mockAuthn{result: AuthResult{Decision: No, Err: ErrUnauthenticated}},
			&mockAuthn{result: AuthResult{Decision: Yes, Identity: &Identity{Subject: "bob"}}},
		},
		DefaultDecision: No,
	}

	r, _ := http.NewRequest("GET", "/", nil)
	result := chain.Authenticate(context.Background(), r)

	if result.Decision != No {
		t.Errorf("Decision = %d, want No", result.Decision)
	}
}

func TestAuthChain_AllAbstain_DefaultReject(t *testing.T) {
	chain := &AuthChain{
		Authenticators: []Authenticator{
			&mockAuthn{result: AuthResult{Decision: Abstain}},
			&mockAuthn{result: AuthResult{Decision: Abstain}},
		},
		DefaultDecision: No,
	}

	r, _ := http.NewRequest("GET", "/", nil)
	result := chain.Authenticate(context.Background(), r)

	if result.Decision != No {
		t.Errorf("Decision = %d, want No (default reject)", result.Decision)
	}
}

func TestAuthChain_AllAbstain_DefaultAccept(t *testing.T) {
	chain := &AuthChain{
		Authenticators: []Authenticator{
			&mockAuthn{result: AuthResult{Decision: Abstain}},
		},
		DefaultDecision: Yes,
	}

	r, _ := http.NewRequest("GET", "/", nil)
	result := chain.Authenticate(context.Background(), r)

	if result.Decision != Yes {
		t.Errorf("Decision = %d, want Yes (default accept)", result.Decision)
	}
	if result.Identity.Subject != "anonymous" {
		t.Errorf("Subject = %q, want %q", result.Identity.Subject, "anonymous")
	}
}

func TestAuthChain_Empty_DefaultReject(t *testing.T) {
	chain := &AuthChain{DefaultDecision: No}

	r, _ := http.NewRequest("GET", "/", nil)
	result := chain.Authenticate(context.Background(), r)

	if result.Decision != No {
		t.Errorf("Decision = %d, want No (empty chain)", result.Decision)
	}
}

func TestAuthChain_AbstainThenYes(t *testing.T) {
	chain := &AuthChain{
		Authenticators: []Authenticator{
			&mockAuthn{result: AuthResult{Decision: Abstain}},
			&mockAuthn{result: AuthResult{Decision: Yes, Identity: &Identity{Subject: "jwt-user"}}},
		},
		DefaultDecision: No,
	}

	r, _ := http.NewRequest("GET", "/", nil)
	result := chain.Authenticate(context.Background(), r)

	if result.Decision != Yes {
		t.Errorf("Decision = %d, want Yes", result.Decision)
	}
	if result.Identity.Subject != "jwt-user" {
		t.Errorf("Subject = %q, want %q", result.Identity.Subject, "jwt-user")
	}
}

func TestIdentity_Tier(t *testing.T) {
	tests := []struct {
		name string
		id   *Identity
		want string
	}{
		{"explicit", &Identity{Subject: "alice", ServiceTier: "premium"}, "premium"},
		{"empty", &Identity{Subject: "bob"}, DefaultTier},
		{"nil", nil, DefaultTier},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.id.Tier(); got != tt.want {
				t.Errorf("Tier() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"", "", false},
		{"Basic dXNlcjpwYXNz", "", false},
		{"Bearer sk-1", "sk-1", true},
		{"bearer sk-2", "sk-2", true},
		{"Bearer ", "", true},
		{"Bear", "", false},
	}
	for _, tt := range tests {
		r, _ := http.NewRequest("GET", "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		got, ok := BearerToken(r)
		if got != tt.want || ok != tt.ok {
			t.Errorf("BearerToken(%q) = (%q, %v), want (%q, %v)", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}

func TestAuthDecision_String(t *testing.T) {
	if Yes.String() != "yes" || No.String() != "no" || Abstain.String() != "abstain" {
		t.Errorf("unexpected decision strings: %s %s %s", Yes, No, Abstain)
	}
}

func TestIdentityContext(t *testing.T) {
	ctx := context.Background()

	// No identity set.
	if IdentityFromContext(ctx) != nil {
		t.Error("expected nil identity from empty context")
	}

	// Set and retrieve.
	id := &Identity{Subject: "alice"}
	ctx = SetIdentity(ctx, id)
	got := IdentityFromContext(ctx)
	if got == nil || got.Subject != "alice" {
		t.Errorf("got %v, want alice", got)
	}
}

func TestSubjectFromContext(t *testing.T) {
	if got := SubjectFromContext(context.Background()); got != "anonymous" {
		t.Errorf("SubjectFromContext(empty) = %q, want anonymous", got)
	}
	ctx := SetIdentity(context.Background(), &Identity{Subject: "carol"})
	if got := SubjectFromContext(ctx); got != "carol" {
		t.Errorf("SubjectFromContext = %q, want carol", got)
	}
}
