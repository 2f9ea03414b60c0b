// ABOUTME: Unit tests for authentication context functions
// ABOUTME: Tests HasRole and context propagation helpers

package auth

import (
	"context"
	"testing"
)

func TestAuthContext_HasRole(t *testing.T) {
	auth := &AuthContext{PrincipalID: "account-1", Role: RolePhone}

	if !auth.HasRole(RolePhone) {
		t.Error("HasRole(phone) = false, want true")
	}
	if !auth.HasRole(RoleBrowser, RolePhone) {
		t.Error("HasRole(browser, phone) = false, want true")
	}
	if auth.HasRole(RoleBrowser) {
		t.Error("HasRole(browser) = true, want false")
	}
	if auth.HasRole() {
		t.Error("HasRole() = true, want false")
	}
}

func TestAuthContext_Principal(t *testing.T) {
	auth := &AuthContext{PrincipalID: "account-1", Role: RoleBrowser}
	p := auth.Principal()
	if p.ID != "account-1" || p.Role != RoleBrowser {
		t.Errorf("Principal() = %+v", p)
	}
}

func TestWithAuth_FromContext(t *testing.T) {
	original := &AuthContext{PrincipalID: "account-1", Role: RoleBrowser}
	ctx := WithAuth(context.Background(), original)

	got := FromContext(ctx)
	if got != original {
		t.Errorf("FromContext() = %p, want %p", got, original)
	}
}

func TestFromContext_Missing(t *testing.T) {
	if got := FromContext(context.Background()); got != nil {
		t.Errorf("FromContext() = %+v, want nil", got)
	}
}

func TestFromContext_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), authContextKey{}, "not-an-auth-context")
	if got := FromContext(ctx); got != nil {
		t.Errorf("FromContext() = %+v, want nil", got)
	}
}

func TestMustFromContext_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustFromContext() did not panic")
		}
	}()
	MustFromContext(context.Background())
}
