package config

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// EABCredentials are resolved external account binding credentials ready for
// use by the ACME client.
type EABCredentials struct {
	KID  string `json:"kid"`
	HMAC string `json:"hmac"`
}

type eabFile struct {
	KID  string `json:"kid"`
	HMAC string `json:"hmac"`
	Key  string `json:"key"`
}

// LoadEABCredentials resolves EAB credentials from command line values or a
// JSON file. Command line values take precedence. The file accepts either
// "hmac" or its legacy alias "key" for the secret. An empty file, or a file
// with blank fields, yields no credentials.
func LoadEABCredentials(cliKID, cliHMAC, filePath string) (*EABCredentials, error) {
	if cliKID != "" && cliHMAC != "" {
		return &EABCredentials{KID: cliKID, HMAC: cliHMAC}, nil
	}

	if filePath == "" {
		return nil, nil
	}

	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read EAB file")
	}
	if strings.TrimSpace(string(content)) == "" {
		return nil, nil
	}

	var parsed eabFile
	if err := json.Unmarshal(content, &parsed); err != nil {
		return nil, errors.Wrap(err, "failed to parse EAB JSON")
	}

	hmac := parsed.HMAC
	if hmac == "" {
		hmac = parsed.Key
	}
	if parsed.KID == "" || hmac == "" {
		return nil, nil
	}

	return &EABCredentials{KID: parsed.KID, HMAC: hmac}, nil
}

// ResolveProfileEAB picks the EAB credentials for a profile: the profile's
// own credentials win over the daemon-wide default.
func ResolveProfileEAB(profile *Profile, defaultEAB *EABCredentials) *EABCredentials {
	if profile.EAB != nil {
		return &EABCredentials{KID: profile.EAB.KID, HMAC: profile.EAB.HMAC}
	}
	if defaultEAB != nil {
		copied := *defaultEAB
		return &copied
	}
	return nil
}

// SettingsEAB converts configured EAB settings into resolved credentials.
func SettingsEAB(eab *EAB) *EABCredentials {
	if eab == nil {
		return nil
	}
	return &EABCredentials{KID: eab.KID, HMAC: eab.HMAC}
}
