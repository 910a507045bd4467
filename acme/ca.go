package acme

// Directory URLs of the public CAs this module is commonly pointed at.
// Anything else is passed as a custom URL through the configuration.
const (
	LetsEncryptProduction = "https://acme-v02.api.letsencrypt.org/directory"
	LetsEncryptStaging    = "https://acme-staging-v02.api.letsencrypt.org/directory"

	GoogleTrustProduction = "https://dv.acme-v02.api.pki.goog/directory"
	GoogleTrustStaging    = "https://dv.acme-v02.test-api.pki.goog/directory"

	ZeroSSLProduction = "https://acme.zerossl.com/v2/DV90"
)

// DirectoryURLFor resolves a CA preset name to its directory URL.
// Arbitrary ACME endpoints are configured with an explicit URL instead of
// a preset.
func DirectoryURLFor(name string) (string, error) {
	switch name {
	case "letsencrypt":
		return LetsEncryptProduction, nil
	case "letsencrypt-staging":
		return LetsEncryptStaging, nil
	case "google":
		return GoogleTrustProduction, nil
	case "google-staging":
		return GoogleTrustStaging, nil
	case "zerossl":
		return ZeroSSLProduction, nil
	default:
		return "", Errorf(KindConfiguration, "unknown CA preset %q", name)
	}
}
