// Package dr implements the disaster-recovery bundler, per spec.md §4.9.
// Grounded on original_source/kopi_docka/disaster-recovery.py's
// DisasterRecoveryManager for the bundle contents and recovery-script shape;
// the legacy tar.gz.enc output mode reproduces its exact openssl invocation.
package dr

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/kopi-docka/kopi-docka/internal/repository"
	"github.com/kopi-docka/kopi-docka/pkg/types"
)

const pbkdf2Iterations = 600000 // matches current OpenSSL -pbkdf2 default order of magnitude

// BundleInput carries everything the bundle documents (recovery info, backup
// status) but not how it is packaged — that is Options' concern.
type BundleInput struct {
	ConfigFilePath string
	ConfigFileData []byte
	Password       string // resolved repository password, embedded encrypted inside the bundle only
	RepoStatusJSON string
	Backend        string // raw backend URI, parsed for the recovery script and recovery-info.json
	Profile        string
	Encryption     string
	Compression    string
	Hostname       string
	Units          []string
	Snapshots      []types.Snapshot // caller passes at most the last N it wants embedded
	Version        string
}

// Options controls bundle packaging.
type Options struct {
	OutputDir       string
	Legacy          bool // produce the deprecated three-file tar.gz.enc bundle instead of the single-zip bundle
	Passphrase      string
	PassphraseStyle string // "words" or "random"; ignored if Passphrase is set
	PassphraseWords int
	Stream          bool      // write the encrypted archive to Stdout instead of OutputDir
	Stdout          io.Writer // used when Stream is true
	Retention       int       // bundles to keep after rotation; 0 = default 3
}

// Result reports what CreateBundle produced.
type Result struct {
	ArchivePath    string // empty when streamed
	CompanionPaths []string
	Passphrase     string
}

// CreateBundle builds, encrypts, and (unless streaming) writes a disaster
// recovery bundle, then rotates older bundles in OutputDir.
func CreateBundle(ctx context.Context, input BundleInput, opts Options) (Result, error) {
	if opts.Stream && opts.Passphrase == "" {
		return Result{}, fmt.Errorf("dr: stream mode requires an explicit passphrase (no TTY)")
	}

	passphrase := opts.Passphrase
	if passphrase == "" {
		p, err := GeneratePassphrase(opts.PassphraseStyle, opts.PassphraseWords)
		if err != nil {
			return Result{}, err
		}
		passphrase = p
	}

	timestamp := time.Now().UTC()
	tsStr := timestamp.Format("20060102_150405")
	bundleName := "kopi-docka-recovery-" + tsStr

	info := buildRecoveryInfo(input, timestamp)
	files, err := buildBundleFiles(input, info, bundleName)
	if err != nil {
		return Result{}, err
	}

	var archiveBytes []byte
	var ext string
	if opts.Legacy {
		archiveBytes, err = encryptLegacy(ctx, files, bundleName, passphrase)
		ext = ".tar.gz.enc"
	} else {
		archiveBytes, err = encryptZip(files, passphrase)
		ext = ".zip"
	}
	if err != nil {
		return Result{}, err
	}

	if opts.Stream {
		if opts.Stdout == nil {
			return Result{}, fmt.Errorf("dr: stream mode requires an output writer")
		}
		if _, err := opts.Stdout.Write(archiveBytes); err != nil {
			return Result{}, fmt.Errorf("dr: stream bundle: %w", err)
		}
		return Result{Passphrase: passphrase}, nil
	}

	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return Result{}, fmt.Errorf("dr: create output dir: %w", err)
	}
	archivePath := filepath.Join(opts.OutputDir, bundleName+ext)
	if err := os.WriteFile(archivePath, archiveBytes, 0600); err != nil {
		return Result{}, fmt.Errorf("dr: write archive: %w", err)
	}

	result := Result{ArchivePath: archivePath, Passphrase: passphrase}
	if opts.Legacy {
		companions, err := writeLegacyCompanions(archivePath, passphrase, info)
		if err != nil {
			return result, err
		}
		result.CompanionPaths = companions
	}

	retention := opts.Retention
	if retention <= 0 {
		retention = 3
	}
	if err := rotate(opts.OutputDir, retention); err != nil {
		return result, fmt.Errorf("dr: rotate old bundles: %w", err)
	}

	return result, nil
}

type recoveryInfo struct {
	CreatedAt       string            `json:"created_at"`
	KopiDockaVersion string           `json:"kopi_docka_version"`
	Hostname        string            `json:"hostname"`
	Profile         string            `json:"profile"`
	Repository      recoveryRepoInfo  `json:"repository"`
}

type recoveryRepoInfo struct {
	Type       string            `json:"type"`
	Connection map[string]string `json:"connection"`
	Encryption string            `json:"encryption"`
	Compression string           `json:"compression"`
}

func buildRecoveryInfo(input BundleInput, ts time.Time) recoveryInfo {
	backendType, conn, _ := repository.ParseBackendURI(input.Backend)
	if backendType == "" {
		backendType = "unknown"
		conn = map[string]string{}
	}
	return recoveryInfo{
		CreatedAt:        ts.Format(time.RFC3339),
		KopiDockaVersion: input.Version,
		Hostname:         input.Hostname,
		Profile:          input.Profile,
		Repository: recoveryRepoInfo{
			Type:        backendType,
			Connection:  conn,
			Encryption:  input.Encryption,
			Compression: input.Compression,
		},
	}
}

// bundleFile is one logical file inside the recovery bundle, built in memory
// so both output modes (tar.gz and zip) can share the same content builder.
type bundleFile struct {
	Name string
	Data []byte
	Mode os.FileMode
}

func buildBundleFiles(input BundleInput, info recoveryInfo, bundleName string) ([]bundleFile, error) {
	infoJSON, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("dr: marshal recovery info: %w", err)
	}

	status := struct {
		Timestamp string           `json:"timestamp"`
		Units     []string         `json:"units"`
		Snapshots []types.Snapshot `json:"snapshots"`
	}{
		Timestamp: info.CreatedAt,
		Units:     input.Units,
		Snapshots: input.Snapshots,
	}
	statusJSON, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("dr: marshal backup status: %w", err)
	}

	files := []bundleFile{
		{Name: "recovery-info.json", Data: infoJSON, Mode: 0644},
		{Name: "backup-status.json", Data: statusJSON, Mode: 0644},
		{Name: "kopia-password.txt", Data: []byte(input.Password), Mode: 0600},
		{Name: "recover.sh", Data: []byte(buildRecoveryScript(info)), Mode: 0755},
		{Name: "RECOVERY-INSTRUCTIONS.txt", Data: []byte(buildRecoveryInstructions(info)), Mode: 0644},
	}
	if input.RepoStatusJSON != "" {
		files = append(files, bundleFile{Name: "kopia-repository.json", Data: []byte(input.RepoStatusJSON), Mode: 0644})
	}
	if len(input.ConfigFileData) > 0 {
		files = append(files, bundleFile{Name: "kopi-docka.conf", Data: input.ConfigFileData, Mode: 0600})
	}
	return files, nil
}

func buildRecoveryScript(info recoveryInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#!/bin/bash\n# Kopi-Docka disaster recovery script\n# Generated: %s\nset -e\n\n", info.CreatedAt)
	b.WriteString("if [ \"$EUID\" -ne 0 ]; then echo \"Please run as root\"; exit 1; fi\n\n")
	b.WriteString("command -v docker >/dev/null 2>&1 || { echo \"docker is required\"; exit 1; }\n")
	b.WriteString("command -v kopia >/dev/null 2>&1 || echo \"kopia not found on PATH, install it before continuing\"\n\n")
	b.WriteString("KOPIA_PASSWORD=$(cat ./kopia-password.txt)\nexport KOPIA_PASSWORD\n\n")

	switch info.Repository.Type {
	case "filesystem":
		fmt.Fprintf(&b, "kopia repository connect filesystem --path=%s\n", info.Repository.Connection["path"])
	case "s3":
		b.WriteString("echo \"Enter AWS credentials:\"\nread -p \"AWS Access Key ID: \" AWS_ACCESS_KEY_ID\nread -s -p \"AWS Secret Access Key: \" AWS_SECRET_ACCESS_KEY\necho\nexport AWS_ACCESS_KEY_ID AWS_SECRET_ACCESS_KEY\n")
		fmt.Fprintf(&b, "kopia repository connect s3 --bucket=%s --access-key=$AWS_ACCESS_KEY_ID --secret-access-key=$AWS_SECRET_ACCESS_KEY\n", info.Repository.Connection["bucket"])
	case "b2":
		b.WriteString("echo \"Enter Backblaze B2 credentials:\"\nread -p \"B2 Key ID: \" B2_KEY_ID\nread -s -p \"B2 Key: \" B2_KEY\necho\n")
		fmt.Fprintf(&b, "kopia repository connect b2 --bucket=%s --key-id=$B2_KEY_ID --key=$B2_KEY\n", info.Repository.Connection["bucket"])
	case "azure":
		b.WriteString("echo \"Enter Azure Storage credentials:\"\nread -p \"Account Name: \" AZURE_ACCOUNT_NAME\nread -s -p \"Account Key: \" AZURE_ACCOUNT_KEY\necho\n")
		fmt.Fprintf(&b, "kopia repository connect azure --container=%s --storage-account=$AZURE_ACCOUNT_NAME --storage-key=$AZURE_ACCOUNT_KEY\n", info.Repository.Connection["container"])
	case "gcs":
		fmt.Fprintf(&b, "kopia repository connect gcs --bucket=%s --credentials-file=$GOOGLE_APPLICATION_CREDENTIALS\n", info.Repository.Connection["bucket"])
	default:
		b.WriteString("echo \"Unrecognized backend type, connect to the repository manually before continuing\"\n")
	}

	b.WriteString("\nkopia repository status\n")
	b.WriteString("echo \"Recovery environment ready. Restore units with the kopidockad restore subcommand.\"\n")
	return b.String()
}

func buildRecoveryInstructions(info recoveryInfo) string {
	var b strings.Builder
	b.WriteString("KOPI-DOCKA DISASTER RECOVERY INSTRUCTIONS\n==========================================\n\n")
	fmt.Fprintf(&b, "Created: %s\nSystem: %s\n\n", info.CreatedAt, info.Hostname)
	fmt.Fprintf(&b, "Repository type: %s\nEncryption: %s\nCompression: %s\n\n", info.Repository.Type, info.Repository.Encryption, info.Repository.Compression)
	b.WriteString("RECOVERY STEPS:\n1. Decrypt this bundle.\n2. chmod +x recover.sh && sudo ./recover.sh\n")
	b.WriteString("3. Run kopidockad restore and select a restore point.\n4. Verify containers, volumes and databases after restore.\n\n")
	b.WriteString("SECURITY: kopia-password.txt contains your repository encryption key. Store bundle copies securely.\n")
	return b.String()
}

// encryptLegacy produces the deprecated three-file bundle's encrypted
// payload: plain tar.gz piped through the external `openssl enc -aes-256-cbc
// -salt -pbkdf2` invocation, reproduced verbatim from the original
// implementation.
func encryptLegacy(ctx context.Context, files []bundleFile, bundleName, passphrase string) ([]byte, error) {
	tarGz, err := buildTarGz(files, bundleName)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, "openssl", "enc", "-aes-256-cbc", "-salt", "-pbkdf2", "-pass", "pass:"+passphrase)
	cmd.Stdin = bytes.NewReader(tarGz)
	var out bytes.Buffer
	cmd.Stdout = &out
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("dr: openssl encrypt: %w: %s", err, stderr.String())
	}
	return out.Bytes(), nil
}

func buildTarGz(files []bundleFile, rootName string) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, f := range files {
		hdr := &tar.Header{
			Name: rootName + "/" + f.Name,
			Mode: int64(f.Mode),
			Size: int64(len(f.Data)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("dr: tar header %s: %w", f.Name, err)
		}
		if _, err := tw.Write(f.Data); err != nil {
			return nil, fmt.Errorf("dr: tar write %s: %w", f.Name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// zipMagic prefixes the single-ZIP bundle's on-disk bytes: a plain zip
// container, as a whole, AES-256-GCM encrypted with a PBKDF2-derived key.
// zipcrypto (per-entry ZIP encryption) is never used, per spec.md §4.9 — this
// bundle is opaque ciphertext on disk and only decryptable with the
// passphrase, same as the legacy bundle's openssl envelope.
var zipMagic = []byte("KDZ1")

func encryptZip(files []bundleFile, passphrase string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.Create(f.Name)
		if err != nil {
			return nil, fmt.Errorf("dr: zip entry %s: %w", f.Name, err)
		}
		if _, err := w.Write(f.Data); err != nil {
			return nil, fmt.Errorf("dr: zip write %s: %w", f.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("dr: close zip: %w", err)
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("dr: generate salt: %w", err)
	}
	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, 32, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("dr: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("dr: gcm mode: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("dr: generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, buf.Bytes(), nil)

	out := make([]byte, 0, len(zipMagic)+len(salt)+len(nonce)+len(ciphertext))
	out = append(out, zipMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

func writeLegacyCompanions(archivePath, passphrase string, info recoveryInfo) ([]string, error) {
	checksum, err := sha256File(archivePath)
	if err != nil {
		return nil, err
	}

	readme := fmt.Sprintf(
		"KOPI-DOCKA DISASTER RECOVERY BUNDLE\n====================================\n\nCreated: %s\nSystem: %s\nArchive: %s\nSHA256: %s\n\nDECRYPTION PASSWORD:\n%s\n\nDECRYPTION COMMAND:\nopenssl enc -aes-256-cbc -salt -pbkdf2 -d -in %s -out %s -pass pass:'%s'\ntar -xzf %s\n",
		info.CreatedAt, info.Hostname, filepath.Base(archivePath), checksum, passphrase,
		filepath.Base(archivePath), strings.TrimSuffix(filepath.Base(archivePath), ".enc"), passphrase,
		strings.TrimSuffix(filepath.Base(archivePath), ".enc"),
	)
	readmePath := archivePath + ".README"
	if err := os.WriteFile(readmePath, []byte(readme), 0644); err != nil {
		return nil, fmt.Errorf("dr: write README companion: %w", err)
	}

	passwordPath := archivePath + ".PASSWORD"
	if err := os.WriteFile(passwordPath, []byte("Decryption Password: "+passphrase+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("dr: write PASSWORD companion: %w", err)
	}

	return []string{readmePath, passwordPath}, nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// rotate keeps the newest `retention` bundles in dir (matched by the
// "kopi-docka-recovery-" prefix) and unlinks older ones along with their
// companion files, per spec.md §4.9.
func rotate(dir string, retention int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	type bundle struct {
		base    string // without companion suffix
		modTime time.Time
	}
	seen := map[string]*bundle{}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "kopi-docka-recovery-") {
			continue
		}
		base := archiveBaseName(name)
		b, ok := seen[base]
		if !ok {
			b = &bundle{base: base}
			seen[base] = b
		}
		if isArchiveFile(name) {
			info, err := e.Info()
			if err == nil {
				b.modTime = info.ModTime()
			}
		}
	}

	bundles := make([]*bundle, 0, len(seen))
	for _, b := range seen {
		bundles = append(bundles, b)
	}
	sort.Slice(bundles, func(i, j int) bool { return bundles[i].modTime.After(bundles[j].modTime) })

	if retention >= len(bundles) {
		return nil
	}
	for _, b := range bundles[retention:] {
		matches, _ := filepath.Glob(filepath.Join(dir, b.base+"*"))
		for _, m := range matches {
			_ = os.Remove(m)
		}
	}
	return nil
}

func isArchiveFile(name string) bool {
	return strings.HasSuffix(name, ".zip") || strings.HasSuffix(name, ".tar.gz.enc")
}

func archiveBaseName(name string) string {
	for _, suffix := range []string{".tar.gz.enc", ".zip", ".README", ".PASSWORD"} {
		if strings.HasSuffix(name, suffix) {
			return strings.TrimSuffix(name, suffix)
		}
	}
	return name
}
