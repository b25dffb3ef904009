package core

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/breakdev/edgecert/database"
	"github.com/breakdev/edgecert/log"

	"github.com/kballard/go-shellquote"
)

// Acme drives the external lego binary. The protocol itself stays in the
// tool; this side only assembles the command line and reads what the tool
// leaves on disk.
type Acme struct {
	cfg *Config

	// run executes the assembled command and returns its combined output.
	// Swapped out in tests.
	run func(name string, args ...string) ([]byte, error)
}

func NewAcme(cfg *Config) (*Acme, error) {
	o := &Acme{
		cfg: cfg,
	}
	o.run = func(name string, args ...string) ([]byte, error) {
		cmd := exec.Command(name, args...)
		// lego picks up DNS provider credentials from the environment,
		// including secrets unwrapped from *_FILE variables.
		cmd.Env = os.Environ()
		return cmd.CombinedOutput()
	}

	if err := CreateDir(o.certificatesDir(), 0700); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Acme) certificatesDir() string {
	return filepath.Join(o.cfg.GetCertsDir(), "certificates")
}

func (o *Acme) CertPath(domain string) string {
	return filepath.Join(o.certificatesDir(), domain+".crt")
}

func (o *Acme) KeyPath(domain string) string {
	return filepath.Join(o.certificatesDir(), domain+".key")
}

// issueArgs builds the lego argument list for a single issuance. A cert
// already present on disk flips the invocation from 'run' to 'renew' with the
// 60-day window and key reuse.
func (o *Acme) issueArgs(domain string, challenge string) ([]string, error) {
	args := []string{
		"--email", o.cfg.GetAcmeEmail(),
		"--domains", domain,
		"--path", o.cfg.GetCertsDir(),
		"--server", o.cfg.GetAcmeServer(),
		"--accept-tos",
	}

	if extra := o.cfg.GetExtraArgs(); extra != "" {
		words, err := shellquote.Split(extra)
		if err != nil {
			return nil, fmt.Errorf("bad extra args: %v", err)
		}
		args = append(args, words...)
	}

	if o.cfg.IsWildcardRoot(domain) {
		args = append(args, "--domains", "*."+domain)
	}

	if challenge == "http" {
		args = append(args, "--http", "--http.port", o.cfg.GetHttpPort())
	} else {
		args = append(args, "--dns", o.cfg.GetDnsProvider())
	}

	if o.certExists(domain) {
		args = append(args, "renew", "--days", "60", "--reuse-key")
	} else {
		args = append(args, "run")
	}
	return args, nil
}

func (o *Acme) certExists(domain string) bool {
	_, err := os.Stat(o.CertPath(domain))
	return err == nil
}

// Issue runs lego for the domain. A non-zero exit is reported through the
// return values, never as a process-level failure.
func (o *Acme) Issue(domain string, challenge string) (bool, string) {
	args, err := o.issueArgs(domain, challenge)
	if err != nil {
		return false, err.Error()
	}

	log.Debug("acme: %s %v", o.cfg.GetLegoBinary(), args)
	out, err := o.run(o.cfg.GetLegoBinary(), args...)
	if err != nil {
		return false, string(out)
	}
	return true, string(out)
}

// CertExpiry parses NotAfter out of the certificate on disk.
func (o *Acme) CertExpiry(domain string) (time.Time, error) {
	data, err := ioutil.ReadFile(o.CertPath(domain))
	if err != nil {
		return time.Time{}, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return time.Time{}, fmt.Errorf("no PEM data in '%s'", o.CertPath(domain))
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}, err
	}
	return cert.NotAfter, nil
}

// ReadCertFiles loads the issued pair from disk for publication.
func (o *Acme) ReadCertFiles(domain string) (*database.CertData, error) {
	crt, err := ioutil.ReadFile(o.CertPath(domain))
	if err != nil {
		return nil, err
	}
	key, err := ioutil.ReadFile(o.KeyPath(domain))
	if err != nil {
		return nil, err
	}
	return &database.CertData{Crt: string(crt), Key: string(key)}, nil
}
