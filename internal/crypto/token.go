package crypto

import "fmt"

// OAuthToken mirrors the subset of token.Token fields that are encrypted at
// rest. It exists in this package (rather than importing the token package)
// to avoid a dependency cycle: the token store needs crypto, not vice versa.
type OAuthToken struct {
	AccessToken  string
	RefreshToken string
}

// EncryptOAuthToken encrypts the access and refresh tokens in-place and
// returns the modified value. A nil key is a no-op (plaintext storage,
// used only in local/dev deployments that opt out of encryption).
func EncryptOAuthToken(tok OAuthToken, key []byte) (OAuthToken, error) {
	if key == nil {
		return tok, nil
	}

	enc, err := Encrypt(tok.AccessToken, key)
	if err != nil {
		return tok, fmt.Errorf("encrypt access_token: %w", err)
	}
	tok.AccessToken = enc

	if tok.RefreshToken != "" {
		enc, err := Encrypt(tok.RefreshToken, key)
		if err != nil {
			return tok, fmt.Errorf("encrypt refresh_token: %w", err)
		}
		tok.RefreshToken = enc
	}

	return tok, nil
}

// DecryptOAuthToken decrypts the access and refresh tokens in-place. Values
// without the "enc:" prefix pass through unchanged, which lets a deployment
// turn encryption on after already having plaintext rows.
func DecryptOAuthToken(tok OAuthToken, key []byte) (OAuthToken, error) {
	if key == nil {
		return tok, nil
	}

	dec, err := Decrypt(tok.AccessToken, key)
	if err != nil {
		return tok, fmt.Errorf("decrypt access_token: %w", err)
	}
	tok.AccessToken = dec

	if tok.RefreshToken != "" {
		dec, err := Decrypt(tok.RefreshToken, key)
		if err != nil {
			return tok, fmt.Errorf("decrypt refresh_token: %w", err)
		}
		tok.RefreshToken = dec
	}

	return tok, nil
}
