/*
Package authsdk is a Go client for the Tavern auth service.

An SDKClient covers the public endpoints; a Session carries a token pair
and refreshes it on demand:

	client := authsdk.NewSDKClient("https://auth.example.com")

	res, err := client.Login(ctx, authsdk.LoginRequest{Email: email, Password: pw})
	if errors.Is(err, authsdk.ErrMFARequired) {
		res, err = client.Login(ctx, authsdk.LoginRequest{Email: email, Password: pw, MFACode: code})
	}
	if err != nil {
		return err
	}

	session := client.NewSession(res.Tokens)
	me, err := session.Me(ctx)

Every refresh rotates the refresh token. A refresh token presented twice
is treated as stolen and the server revokes the account's sessions, so a
Session must not be copied between processes.

Server errors are returned as *APIError and compare with errors.Is against
the predefined values (ErrInvalidCredentials, ErrInvalidToken, ...).
*/
package authsdk
