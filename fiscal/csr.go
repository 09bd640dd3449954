package fiscal

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
)

// DeviceSubject holds the distinguished-name attributes the authority
// requires on an enrolment CSR. Attribute order on the wire is mandated
// and enforced by BuildCSR; enrolments are rejected on any deviation.
type DeviceSubject struct {
	Country            string
	Province           string
	Locality           string
	Surname            string
	Organization       string
	OrganizationalUnit string
	GivenName          string
	CommonName         string
}

var (
	oidCountry            = asn1.ObjectIdentifier{2, 5, 4, 6}
	oidProvince           = asn1.ObjectIdentifier{2, 5, 4, 8}
	oidLocality           = asn1.ObjectIdentifier{2, 5, 4, 7}
	oidSurname            = asn1.ObjectIdentifier{2, 5, 4, 4}
	oidOrganization       = asn1.ObjectIdentifier{2, 5, 4, 10}
	oidOrganizationalUnit = asn1.ObjectIdentifier{2, 5, 4, 11}
	oidGivenName          = asn1.ObjectIdentifier{2, 5, 4, 42}
	oidCommonName         = asn1.ObjectIdentifier{2, 5, 4, 3}

	oidKeyUsage = asn1.ObjectIdentifier{2, 5, 29, 15}
)

// GenerateSigningKeypair creates a fresh P-256 signing key for a device.
// The private key is returned PKCS#8 PEM-encoded, the public key SPKI
// PEM-encoded; the caller must encrypt the private key before it touches
// any storage.
func GenerateSigningKeypair() (*ecdsa.PrivateKey, string, string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, "", "", err
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, "", "", err
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, "", "", err
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	return key, string(privPEM), string(pubPEM), nil
}

// ParseSigningKey restores a PKCS#8 PEM private key decrypted from the vault.
func ParseSigningKey(privPEM string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(privPEM))
	if block == nil {
		return nil, NewConfigurationError("signing key is not valid PEM")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, NewConfigurationError("signing key is not an ECDSA key")
	}
	return key, nil
}

// BuildCSR produces a PEM-encoded PKCS#10 request signed with the device
// key (ECDSA-SHA256). The subject is emitted as a raw RDN sequence so the
// attribute order survives exactly as mandated: country, province,
// locality, surname, organization, organizational unit, given name,
// common name. A critical key-usage extension asserts digitalSignature
// and nonRepudiation.
func BuildCSR(key *ecdsa.PrivateKey, subject DeviceSubject) (string, error) {
	rawSubject, err := marshalOrderedSubject(subject)
	if err != nil {
		return "", err
	}

	keyUsageExt, err := criticalKeyUsageExtension()
	if err != nil {
		return "", err
	}

	template := x509.CertificateRequest{
		RawSubject:         rawSubject,
		SignatureAlgorithm: x509.ECDSAWithSHA256,
		ExtraExtensions:    []pkix.Extension{keyUsageExt},
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, &template, key)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})), nil
}

func marshalOrderedSubject(subject DeviceSubject) ([]byte, error) {
	ordered := []struct {
		oid   asn1.ObjectIdentifier
		value string
	}{
		{oidCountry, subject.Country},
		{oidProvince, subject.Province},
		{oidLocality, subject.Locality},
		{oidSurname, subject.Surname},
		{oidOrganization, subject.Organization},
		{oidOrganizationalUnit, subject.OrganizationalUnit},
		{oidGivenName, subject.GivenName},
		{oidCommonName, subject.CommonName},
	}

	var rdns pkix.RDNSequence
	for _, attr := range ordered {
		if attr.value == "" {
			return nil, NewConfigurationError("device subject is missing a mandated attribute")
		}
		rdns = append(rdns, pkix.RelativeDistinguishedNameSET{
			pkix.AttributeTypeAndValue{Type: attr.oid, Value: attr.value},
		})
	}
	return asn1.Marshal(rdns)
}

func criticalKeyUsageExtension() (pkix.Extension, error) {
	// digitalSignature (bit 0) | nonRepudiation (bit 1) => 0b11000000.
	usage := asn1.BitString{Bytes: []byte{0xC0}, BitLength: 2}
	value, err := asn1.Marshal(usage)
	if err != nil {
		return pkix.Extension{}, err
	}
	return pkix.Extension{Id: oidKeyUsage, Critical: true, Value: value}, nil
}
