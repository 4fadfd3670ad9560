package authhttp

import (
	"net/http"

	jwtkit "github.com/PaulFidika/tokenkit/jwt"
)

// JWKSHandler serves the public keys of the custom token signers as a JWKS
// document, so relying services can check tokens this process mints.
func JWKSHandler(signers ...*jwtkit.RSASigner) http.Handler {
	ks := jwtkit.JWKS{Keys: make([]jwtkit.JWK, 0, len(signers))}
	for _, s := range signers {
		ks.Keys = append(ks.Keys, jwtkit.RSAPublicToJWK(s.PublicKey(), s.KID(), s.Algorithm()))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jwtkit.ServeJWKS(w, r, ks, jwtkit.DefaultPublishMaxAge)
	})
}
