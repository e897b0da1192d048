// Package oauthissuer exposes an OAuth 2.0 authorization server over HTTP:
// the authorization and token endpoints, client application management,
// and bearer-protected resource endpoints guarded by a two-tier sliding
// window rate limiter.
//
// The flow logic lives in the server subpackage; storage backends live
// under storage. A minimal deployment looks like:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, err := server.New(store, &server.Config{Issuer: "https://auth.example.com"}, logger)
//	if err != nil {
//	    return err
//	}
//	defer srv.Close()
//
//	handler := oauthissuer.NewHandler(srv, sessionAuth, logger)
//	defer handler.Close()
//	http.ListenAndServe(":8080", handler.Routes())
package oauthissuer
