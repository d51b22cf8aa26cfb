package tenants

// Tenant is one isolated customer boundary sharing the auth surface.
type Tenant struct {
	ID                    string   `json:"tenant_id" yaml:"tenant_id"`
	Name                  string   `json:"tenant_name" yaml:"tenant_name"`
	OAuthClientID         string   `json:"oauth_client_id" yaml:"oauth_client_id"`
	RedirectURI           string   `json:"redirect_uri" yaml:"redirect_uri"`
	PostLogoutRedirectURI string   `json:"post_logout_redirect_uri" yaml:"post_logout_redirect_uri"`
	AllowedOrigins        []string `json:"allowed_origins" yaml:"allowed_origins"`

	// Branding snapshot, opaque to this core (rendering is out of scope).
	PrimaryColor string `json:"primary_color,omitempty" yaml:"primary_color,omitempty"`
	LogoURL      string `json:"logo_url,omitempty" yaml:"logo_url,omitempty"`

	// Feature toggles surfaced to the presentation layer.
	GoogleLogin   bool `json:"google_login" yaml:"google_login"`
	Registration  bool `json:"registration" yaml:"registration"`
	PasswordReset bool `json:"password_reset" yaml:"password_reset"`

	// Extra claims to mint on consent, claim name -> JMESPath over the
	// identity's raw traits.
	ClaimMappings map[string]string `json:"claim_mappings,omitempty" yaml:"claim_mappings,omitempty"`
}
