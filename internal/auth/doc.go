// Package auth authenticates the two devices of a wallet account.
//
// # Principals
//
// Every request is made by a principal: an account id plus the role of the
// device presenting it. The browser extension and the phone app of one account
// share the id and differ only in role:
//
//   - RoleBrowser: session tokens with audience "browser-wallet"
//   - RolePhone: session tokens with audience "phone-wallet"
//
// Ownership checks compare principal ids, so a phone can act on sessions the
// browser created.
//
// # Session Tokens
//
// JWTVerifier issues and verifies HS256 tokens signed with the configured
// secret. The id is read from "sub", with "user_id" accepted for older tokens.
//
//	verifier, err := NewJWTVerifier(secret)
//	token, err := verifier.Generate(Principal{ID: uid, Role: RolePhone}, 24*time.Hour)
//
// # Identity Tokens
//
// FirebaseVerifier checks the ID token a device presents at login before a
// session token is issued. Signing certificates are fetched from Google,
// cached for their max-age, and refreshed by a single request when many
// logins arrive at once.
//
// # HTTP Middleware
//
//	HTTPAuthMiddleware(verifier, RolePhone)
//
// reads the token from the Authorization header or the browserJWT cookie,
// rejects a missing or invalid token with 401 and the wrong role with 403, and
// stores an AuthContext for handlers.
package auth
