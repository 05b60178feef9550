package core

// The option types below mirror the WebAuthn JSON shapes a browser expects
// for navigator.credentials.create/get. Binary fields are base64url strings.

type RelyingParty struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type UserEntity struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

type CredentialParameter struct {
	Type string `json:"type"`
	Alg  int    `json:"alg"`
}

type CredentialDescriptor struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type AuthenticatorSelection struct {
	ResidentKey      string `json:"residentKey,omitempty"`
	UserVerification string `json:"userVerification,omitempty"`
}

// PRFInputs requests the PRF extension evaluated at a fixed salt
type PRFInputs struct {
	Eval struct {
		First string `json:"first"`
	} `json:"eval"`
}

type Extensions struct {
	PRF *PRFInputs `json:"prf,omitempty"`
}

// CreationOptions are handed to the client to mint a new passkey
type CreationOptions struct {
	Challenge              string                 `json:"challenge"`
	RP                     RelyingParty           `json:"rp"`
	User                   UserEntity             `json:"user"`
	PubKeyCredParams       []CredentialParameter  `json:"pubKeyCredParams"`
	Timeout                int64                  `json:"timeout,omitempty"`
	ExcludeCredentials     []CredentialDescriptor `json:"excludeCredentials,omitempty"`
	AuthenticatorSelection AuthenticatorSelection `json:"authenticatorSelection"`
	Attestation            string                 `json:"attestation,omitempty"`
	Extensions             *Extensions            `json:"extensions,omitempty"`
}

// RequestOptions are handed to the client to assert an existing passkey
type RequestOptions struct {
	Challenge        string                 `json:"challenge"`
	RPID             string                 `json:"rpId"`
	Timeout          int64                  `json:"timeout,omitempty"`
	AllowCredentials []CredentialDescriptor `json:"allowCredentials,omitempty"`
	UserVerification string                 `json:"userVerification,omitempty"`
	Extensions       *Extensions            `json:"extensions,omitempty"`
}

// PasskeyUser is the user entity a creation ceremony is bound to
type PasskeyUser struct {
	Handle      []byte
	Name        string
	DisplayName string
}
