package sso

import (
	"bytes"
	"compress/flate"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
	"time"

	saml2 "github.com/russellhaering/gosaml2"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/casewyze/identity/pkg/observability"
	"github.com/casewyze/identity/pkg/orgs"
)

// SAMLAdapter builds AuthnRequests and parses SAML responses for
// organizations federated over SAML 2.0.
type SAMLAdapter struct {
	logger *observability.Logger
}

// NewSAMLAdapter creates a SAML adapter
func NewSAMLAdapter(logger *observability.Logger) *SAMLAdapter {
	return &SAMLAdapter{logger: logger}
}

// authnRequest is the minimal SP-initiated AuthnRequest we emit. Requests
// are not signed; the assertion signature is the trust anchor.
type authnRequest struct {
	XMLName                     xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:protocol AuthnRequest"`
	ID                          string   `xml:"ID,attr"`
	Version                     string   `xml:"Version,attr"`
	IssueInstant                string   `xml:"IssueInstant,attr"`
	ProtocolBinding             string   `xml:"ProtocolBinding,attr"`
	AssertionConsumerServiceURL string   `xml:"AssertionConsumerServiceURL,attr"`
	Issuer                      string   `xml:"urn:oasis:names:tc:SAML:2.0:assertion Issuer"`
	NameIDPolicy                nameIDPolicy
}

type nameIDPolicy struct {
	XMLName     xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:protocol NameIDPolicy"`
	Format      string   `xml:"Format,attr"`
	AllowCreate bool     `xml:"AllowCreate,attr"`
}

// GenerateRequestID produces a SAML-safe request identifier. SAML IDs must
// not start with a digit, hence the underscore prefix.
func GenerateRequestID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate SAML request id: %w", err)
	}
	return "_" + hex.EncodeToString(buf), nil
}

// BuildAuthnRequest renders the AuthnRequest XML for one login attempt
func (a *SAMLAdapter) BuildAuthnRequest(spIssuer, acsURL, requestID string) (string, error) {
	req := authnRequest{
		ID:                          requestID,
		Version:                     "2.0",
		IssueInstant:                time.Now().UTC().Format(time.RFC3339),
		ProtocolBinding:             "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST",
		AssertionConsumerServiceURL: acsURL,
		Issuer:                      spIssuer,
		NameIDPolicy: nameIDPolicy{
			Format:      "urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress",
			AllowCreate: true,
		},
	}

	data, err := xml.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal AuthnRequest: %w", err)
	}
	return xml.Header + string(data), nil
}

// LoginURL builds the HTTP-Redirect-binding URL: the AuthnRequest is
// deflated, base64-encoded, and carried in SAMLRequest with the transport
// state in RelayState.
func (a *SAMLAdapter) LoginURL(cfg *orgs.SSOConfig, authnRequest, relayState string) (string, error) {
	loginURL := cfg.SAMLLoginURL
	if loginURL == "" {
		loginURL = cfg.IssuerURL
	}

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return "", fmt.Errorf("failed to compress AuthnRequest: %w", err)
	}
	if _, err := w.Write([]byte(authnRequest)); err != nil {
		return "", fmt.Errorf("failed to compress AuthnRequest: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to compress AuthnRequest: %w", err)
	}

	u, err := url.Parse(loginURL)
	if err != nil {
		return "", fmt.Errorf("invalid SAML login URL: %w", err)
	}
	q := u.Query()
	q.Set("SAMLRequest", base64.StdEncoding.EncodeToString(buf.Bytes()))
	q.Set("RelayState", relayState)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// ParseResponse extracts the external identity from a base64-encoded SAML
// response. When the organization's config carries an IdP certificate the
// response goes through full signature and condition validation; otherwise
// a minimal structural parse is used and a warning is logged.
func (a *SAMLAdapter) ParseResponse(cfg *orgs.SSOConfig, rawBase64 string, acsURL string) (*ExternalIdentity, error) {
	if cfg.IdPCertificate != "" {
		return a.parseVerified(cfg, rawBase64, acsURL)
	}

	a.logger.WithField("org_id", cfg.OrgID.String()).
		Warn("no IdP certificate configured, accepting SAML response without signature verification")
	return a.parseUnverified(rawBase64)
}

// parseVerified validates the response signature, conditions, and audience
// against the configured IdP certificate
func (a *SAMLAdapter) parseVerified(cfg *orgs.SSOConfig, rawBase64, acsURL string) (*ExternalIdentity, error) {
	certStore, err := certificateStore(cfg.IdPCertificate)
	if err != nil {
		return nil, fmt.Errorf("%w: bad IdP certificate: %v", ErrSAMLParseFailed, err)
	}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderIssuer:      cfg.IssuerURL,
		IdentityProviderSSOURL:      cfg.SAMLLoginURL,
		ServiceProviderIssuer:       acsURL,
		AssertionConsumerServiceURL: acsURL,
		AudienceURI:                 acsURL,
		IDPCertificateStore:         certStore,
		SignAuthnRequests:           false,
	}

	info, err := sp.RetrieveAssertionInfo(rawBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSAMLParseFailed, err)
	}
	if info.WarningInfo.InvalidTime || info.WarningInfo.NotInAudience {
		return nil, fmt.Errorf("%w: assertion conditions not satisfied", ErrSAMLParseFailed)
	}
	if info.NameID == "" {
		return nil, ErrMissingEmail
	}

	ident := &ExternalIdentity{Email: info.NameID}
	for name, attr := range info.Values {
		values := make([]string, 0, len(attr.Values))
		for _, v := range attr.Values {
			values = append(values, v.Value)
		}
		applyAttribute(ident, name, values)
	}
	return ident, nil
}

// samlResponse mirrors just the parts of the response we read
type samlResponse struct {
	XMLName   xml.Name
	Assertion struct {
		Subject struct {
			NameID string `xml:"NameID"`
		} `xml:"Subject"`
		AttributeStatement struct {
			Attributes []struct {
				Name         string   `xml:"Name,attr"`
				FriendlyName string   `xml:"FriendlyName,attr"`
				Values       []string `xml:"AttributeValue"`
			} `xml:"Attribute"`
		} `xml:"AttributeStatement"`
	} `xml:"Assertion"`
}

// parseUnverified structurally parses the response without signature checks
func (a *SAMLAdapter) parseUnverified(rawBase64 string) (*ExternalIdentity, error) {
	data, err := base64.StdEncoding.DecodeString(rawBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64: %v", ErrSAMLParseFailed, err)
	}

	resp := &samlResponse{}
	if err := xml.Unmarshal(data, resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSAMLParseFailed, err)
	}

	nameID := strings.TrimSpace(resp.Assertion.Subject.NameID)
	if nameID == "" {
		return nil, ErrMissingEmail
	}

	ident := &ExternalIdentity{Email: nameID}
	for _, attr := range resp.Assertion.AttributeStatement.Attributes {
		name := attr.Name
		if name == "" {
			name = attr.FriendlyName
		}
		applyAttribute(ident, name, attr.Values)
	}
	return ident, nil
}

// applyAttribute folds one assertion attribute into the identity
func applyAttribute(ident *ExternalIdentity, name string, values []string) {
	if len(values) == 0 {
		return
	}
	switch strings.ToLower(name) {
	case "name", "displayname":
		if ident.DisplayName == "" {
			ident.DisplayName = values[0]
		}
	case "groups", "memberof":
		ident.Groups = append(ident.Groups, values...)
	}
}

// certificateStore parses a PEM bundle into a dsig certificate store
func certificateStore(pemData string) (*dsig.MemoryX509CertificateStore, error) {
	store := &dsig.MemoryX509CertificateStore{}
	rest := []byte(pemData)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		store.Roots = append(store.Roots, cert)
	}
	if len(store.Roots) == 0 {
		return nil, fmt.Errorf("no certificates in PEM data")
	}
	return store, nil
}
