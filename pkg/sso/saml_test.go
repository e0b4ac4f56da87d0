package sso

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"io"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casewyze/identity/pkg/observability"
	"github.com/casewyze/identity/pkg/orgs"
)

func newTestSAMLAdapter() *SAMLAdapter {
	return NewSAMLAdapter(observability.NewLogger(observability.ErrorLevel, os.Stderr))
}

func TestBuildAuthnRequest(t *testing.T) {
	adapter := newTestSAMLAdapter()

	xmlStr, err := adapter.BuildAuthnRequest(
		"https://app.example.com",
		"https://app.example.com/sso/callback",
		"_req123",
	)
	require.NoError(t, err)

	assert.Contains(t, xmlStr, `ID="_req123"`)
	assert.Contains(t, xmlStr, `Version="2.0"`)
	assert.Contains(t, xmlStr, "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST")
	assert.Contains(t, xmlStr, `AssertionConsumerServiceURL="https://app.example.com/sso/callback"`)
	assert.Contains(t, xmlStr, "urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress")
	assert.Contains(t, xmlStr, "https://app.example.com")
}

func TestLoginURLRedirectBinding(t *testing.T) {
	adapter := newTestSAMLAdapter()
	cfg := &orgs.SSOConfig{
		OrgID:        uuid.New(),
		Provider:     orgs.ProviderSAML,
		IssuerURL:    "https://idp.example.com",
		SAMLLoginURL: "https://idp.example.com/saml/login",
	}

	authnRequest := "<AuthnRequest>test</AuthnRequest>"
	loginURL, err := adapter.LoginURL(cfg, authnRequest, "relay-state-value")
	require.NoError(t, err)

	parsed, err := url.Parse(loginURL)
	require.NoError(t, err)
	assert.Equal(t, "idp.example.com", parsed.Host)
	assert.Equal(t, "/saml/login", parsed.Path)
	assert.Equal(t, "relay-state-value", parsed.Query().Get("RelayState"))

	// SAMLRequest must round-trip through base64 + deflate
	raw, err := base64.StdEncoding.DecodeString(parsed.Query().Get("SAMLRequest"))
	require.NoError(t, err)
	inflated, err := io.ReadAll(flate.NewReader(bytes.NewReader(raw)))
	require.NoError(t, err)
	assert.Equal(t, authnRequest, string(inflated))
}

func TestLoginURLFallsBackToIssuer(t *testing.T) {
	adapter := newTestSAMLAdapter()
	cfg := &orgs.SSOConfig{
		OrgID:     uuid.New(),
		Provider:  orgs.ProviderSAML,
		IssuerURL: "https://idp.example.com/saml",
	}

	loginURL, err := adapter.LoginURL(cfg, "<AuthnRequest/>", "rs")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(loginURL, "https://idp.example.com/saml?"))
}

const sampleSAMLResponse = `<?xml version="1.0" encoding="UTF-8"?>
<samlp:Response xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol"
                xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion"
                ID="_resp" Version="2.0">
  <saml:Assertion ID="_assert" Version="2.0">
    <saml:Subject>
      <saml:NameID Format="urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress">carol@example.com</saml:NameID>
    </saml:Subject>
    <saml:AttributeStatement>
      <saml:Attribute Name="displayName">
        <saml:AttributeValue>Carol Chen</saml:AttributeValue>
      </saml:Attribute>
      <saml:Attribute Name="memberOf">
        <saml:AttributeValue>Admins</saml:AttributeValue>
        <saml:AttributeValue>Everyone</saml:AttributeValue>
      </saml:Attribute>
    </saml:AttributeStatement>
  </saml:Assertion>
</samlp:Response>`

func TestParseResponseUnverified(t *testing.T) {
	adapter := newTestSAMLAdapter()
	cfg := &orgs.SSOConfig{OrgID: uuid.New(), Provider: orgs.ProviderSAML}

	encoded := base64.StdEncoding.EncodeToString([]byte(sampleSAMLResponse))
	ident, err := adapter.ParseResponse(cfg, encoded, "https://app.example.com/sso/callback")
	require.NoError(t, err)

	assert.Equal(t, "carol@example.com", ident.Email)
	assert.Equal(t, "Carol Chen", ident.DisplayName)
	assert.Equal(t, []string{"Admins", "Everyone"}, ident.Groups)
}

func TestParseResponseMissingNameID(t *testing.T) {
	adapter := newTestSAMLAdapter()
	cfg := &orgs.SSOConfig{OrgID: uuid.New(), Provider: orgs.ProviderSAML}

	response := strings.Replace(sampleSAMLResponse, "carol@example.com", "  ", 1)
	encoded := base64.StdEncoding.EncodeToString([]byte(response))

	_, err := adapter.ParseResponse(cfg, encoded, "https://app.example.com/sso/callback")
	assert.ErrorIs(t, err, ErrMissingEmail)
}

func TestParseResponseBadInput(t *testing.T) {
	adapter := newTestSAMLAdapter()
	cfg := &orgs.SSOConfig{OrgID: uuid.New(), Provider: orgs.ProviderSAML}

	tests := []struct {
		name  string
		input string
	}{
		{"not base64", "%%%not-base64%%%"},
		{"not xml", base64.StdEncoding.EncodeToString([]byte("this is not xml <<<"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := adapter.ParseResponse(cfg, tt.input, "https://app.example.com/sso/callback")
			assert.ErrorIs(t, err, ErrSAMLParseFailed)
		})
	}
}

func TestParseResponseVerifiedRequiresValidCertificate(t *testing.T) {
	adapter := newTestSAMLAdapter()
	cfg := &orgs.SSOConfig{
		OrgID:          uuid.New(),
		Provider:       orgs.ProviderSAML,
		IdPCertificate: "-----BEGIN CERTIFICATE-----\nnot a real cert\n-----END CERTIFICATE-----",
	}

	encoded := base64.StdEncoding.EncodeToString([]byte(sampleSAMLResponse))
	_, err := adapter.ParseResponse(cfg, encoded, "https://app.example.com/sso/callback")
	assert.ErrorIs(t, err, ErrSAMLParseFailed)
}

func TestApplyAttributeFirstNameWins(t *testing.T) {
	ident := &ExternalIdentity{Email: "x@example.com"}
	applyAttribute(ident, "name", []string{"First Name"})
	applyAttribute(ident, "displayName", []string{"Second Name"})
	applyAttribute(ident, "groups", []string{"G1"})
	applyAttribute(ident, "memberOf", []string{"G2"})
	applyAttribute(ident, "unrelated", []string{"ignored"})

	assert.Equal(t, "First Name", ident.DisplayName)
	assert.Equal(t, []string{"G1", "G2"}, ident.Groups)
}
