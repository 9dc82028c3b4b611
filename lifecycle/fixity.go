package lifecycle

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/openarchive/stors/internal"
	"github.com/openarchive/stors/meta"
	"github.com/openarchive/stors/space"
)

// manifestAlgorithms is the preference order when a bag carries more
// than one payload manifest.
var manifestAlgorithms = []string{"sha512", "sha256", "md5"}

// CheckFixity verifies a stored package's integrity. The outcome is
// tri-state, mirrored into an appended FixityLog row:
//
//   - true/false when a verdict was reached locally;
//   - nil when no verdict is possible (the package is not a bag);
//   - false with Scheduled set when the backend queued the check
//     remotely; the log row then records no verdict.
//
// A failed check notifies the administrator. Only infrastructure
// problems (metadata store down, staging unreadable) surface as errors.
//
// ignoreSpace forces the local validation pass even when the backend
// offers native fixity checking.
func (e *Engine) CheckFixity(ctx context.Context, packageUUID string, ignoreSpace bool) (*space.FixityReport, error) {
	pkg, err := e.store.GetPackage(ctx, packageUUID)
	if err != nil {
		return nil, err
	}
	if pkg.Status == meta.StatusDeleted {
		return nil, fmt.Errorf("package %s is deleted", packageUUID)
	}
	// Only AIPs and AICs are bag-structured; anything else gets a nil
	// verdict before any bytes are staged.
	if pkg.Type != meta.AIP && pkg.Type != meta.AIC {
		report := &space.FixityReport{Message: "package is not a bag"}
		e.recordFixity(ctx, pkg, report)
		return report, nil
	}
	loc, sp, backend, err := e.ResolveLocation(ctx, pkg.LocationUUID)
	if err != nil {
		return nil, err
	}

	var report *space.FixityReport
	if fc, ok := backend.(space.FixityChecker); ok && !ignoreSpace {
		report, err = fc.CheckFixity(ctx, pkg)
		if err != nil {
			return nil, err
		}
		if report.Scheduled {
			scheduled := false
			report.Success = &scheduled
			report.Message = fmt.Sprintf("Fixity check scheduled in %s", sp.AccessProtocol)
		}
	} else {
		report, err = e.localFixity(ctx, pkg, loc, sp, backend)
		if err != nil {
			return nil, err
		}
	}
	// A timestamp is only meaningful when a check actually ran and
	// reached a verdict here.
	if report.Timestamp == "" && report.Success != nil && !report.Scheduled {
		report.Timestamp = time.Now().Format(time.RFC3339)
	}

	e.recordFixity(ctx, pkg, report)
	return report, nil
}

// recordFixity appends the FixityLog row, flips a passing UPLOADED
// package to VERIFIED and notifies the administrator on failure.
func (e *Engine) recordFixity(ctx context.Context, pkg *meta.Package, report *space.FixityReport) {
	details := report.Message
	if report.Success != nil && !*report.Success && len(report.Failures) > 0 {
		var parts []string
		for _, f := range report.Failures {
			parts = append(parts, fmt.Sprintf("%s: %s", f.Type, f.Path))
		}
		details = strings.Join(parts, "; ")
	}
	// A scheduled remote check has no verdict yet: the log row records
	// tri-state unknown even though the caller sees success=false.
	logSuccess := report.Success
	if report.Scheduled {
		logSuccess = nil
	}
	if err := e.store.AppendFixityLog(ctx, &meta.FixityLog{
		PackageUUID:      pkg.UUID,
		Success:          logSuccess,
		ErrorDetails:     details,
		DatetimeReported: time.Now().UTC(),
	}); err != nil {
		logger.Errorf("failed to append fixity log for %s: %v", pkg.UUID, err)
	}

	switch {
	case report.Scheduled:
		logger.Infof("fixity of %s: %s", pkg.UUID, report.Message)
	case report.Success == nil:
		logger.Infof("fixity of %s: no verdict: %s", pkg.UUID, report.Message)
	case *report.Success:
		logger.Infof("fixity of %s: passed", pkg.UUID)
		if pkg.Status == meta.StatusUploaded {
			if _, err := e.store.UpdatePackage(ctx, pkg.UUID, func(p *meta.Package) error {
				if p.Status == meta.StatusUploaded {
					p.Status = meta.StatusVerified
				}
				return nil
			}); err != nil {
				logger.Warnf("failed to mark %s verified: %v", pkg.UUID, err)
			}
		}
	default:
		logger.Errorf("fixity of %s: FAILED: %s", pkg.UUID, details)
		e.notify(fmt.Sprintf("Fixity check failed for package %s", pkg.UUID), details)
	}
}

// localFixity stages the package bytes and validates them here.
func (e *Engine) localFixity(ctx context.Context, pkg *meta.Package, loc *meta.Location, sp *meta.Space, backend space.Backend) (*space.FixityReport, error) {
	if err := internal.EnsureDir(sp.StagingPath); err != nil {
		return nil, err
	}
	work := internal.UniqueStagingName(sp.StagingPath, "fixity-"+pkg.UUID)
	defer os.RemoveAll(work)

	local := filepath.Join(work, path.Base(pkg.CurrentPath))
	if err := backend.MoveToStorageService(ctx, path.Join(loc.RelativePath, pkg.CurrentPath), local); err != nil {
		return nil, fmt.Errorf("failed to stage %s for fixity: %w", pkg.UUID, err)
	}

	bagRoot := local
	if pkg.IsCompressed() {
		if !tarFamily(local) {
			// Opaque archive formats: compare the whole-package digest
			// recorded at store time.
			return comparePackageDigest(pkg, local)
		}
		extracted := filepath.Join(work, "extracted")
		if err := internal.EnsureDir(extracted); err != nil {
			return nil, err
		}
		if err := extractTar(local, extracted); err != nil {
			failed := false
			return &space.FixityReport{
				Success:  &failed,
				Failures: []space.FailureDetail{{Type: "changed", Path: path.Base(pkg.CurrentPath)}},
				Message:  fmt.Sprintf("archive is unreadable: %v", err),
			}, nil
		}
		bagRoot = findBagRoot(extracted)
	}

	return validateBag(bagRoot)
}

// comparePackageDigest re-hashes an opaque archive and compares it with
// the digest recorded when the package was stored.
func comparePackageDigest(pkg *meta.Package, local string) (*space.FixityReport, error) {
	if pkg.Checksum == "" {
		return &space.FixityReport{
			Message: "package has no recorded checksum to compare against",
		}, nil
	}
	actual, err := internal.ChecksumFile(local, pkg.ChecksumAlgorithm)
	if err != nil {
		return nil, err
	}
	if actual != pkg.Checksum {
		failed := false
		return &space.FixityReport{
			Success: &failed,
			Failures: []space.FailureDetail{{
				Type:     "changed",
				Path:     path.Base(pkg.CurrentPath),
				Expected: pkg.Checksum,
				Actual:   actual,
			}},
			Message: "package checksum does not match the stored value",
		}, nil
	}
	passed := true
	return &space.FixityReport{Success: &passed, Message: "package checksum verified"}, nil
}

// findBagRoot descends through single-directory wrappers until it finds
// bagit.txt (archives usually wrap the bag in one top-level directory).
func findBagRoot(dir string) string {
	for {
		if _, err := os.Stat(filepath.Join(dir, "bagit.txt")); err == nil {
			return dir
		}
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) != 1 || !entries[0].IsDir() {
			return dir
		}
		dir = filepath.Join(dir, entries[0].Name())
	}
}

// validateBag checks a BagIt bag in place: every manifest entry must
// exist with a matching digest, and the payload must not contain files
// the manifest does not list.
func validateBag(dir string) (*space.FixityReport, error) {
	if _, err := os.Stat(filepath.Join(dir, "bagit.txt")); err != nil {
		return &space.FixityReport{Message: "package is not a bag"}, nil
	}

	var algo string
	for _, a := range manifestAlgorithms {
		if _, err := os.Stat(filepath.Join(dir, "manifest-"+a+".txt")); err == nil {
			algo = a
			break
		}
	}
	if algo == "" {
		failed := false
		return &space.FixityReport{
			Success: &failed,
			Message: "bag has no payload manifest",
		}, nil
	}

	manifest, err := readManifest(filepath.Join(dir, "manifest-"+algo+".txt"))
	if err != nil {
		return nil, err
	}

	var failures []space.FailureDetail
	for _, rel := range sortedKeys(manifest) {
		abs := filepath.Join(dir, filepath.FromSlash(rel))
		if _, err := os.Stat(abs); err != nil {
			failures = append(failures, space.FailureDetail{Type: "missing", Path: rel})
			continue
		}
		actual, err := internal.ChecksumFile(abs, algo)
		if err != nil {
			return nil, err
		}
		if actual != manifest[rel] {
			failures = append(failures, space.FailureDetail{
				Type:     "changed",
				Path:     rel,
				Expected: manifest[rel],
				Actual:   actual,
			})
		}
	}

	// Payload files the manifest does not account for.
	dataDir := filepath.Join(dir, "data")
	if _, err := os.Stat(dataDir); err == nil {
		err = filepath.WalkDir(dataDir, func(p string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			rel, err := filepath.Rel(dir, p)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			if _, listed := manifest[rel]; !listed {
				failures = append(failures, space.FailureDetail{Type: "untracked", Path: rel})
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	if len(failures) > 0 {
		failed := false
		return &space.FixityReport{
			Success:  &failed,
			Failures: failures,
			Message:  fmt.Sprintf("bag validation found %d problem(s)", len(failures)),
		}, nil
	}
	passed := true
	return &space.FixityReport{Success: &passed, Message: "bag validated"}, nil
}

// readManifest parses a BagIt payload manifest: one "<digest> <path>"
// pair per line, path possibly containing spaces.
func readManifest(file string) (map[string]string, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		idx := strings.IndexAny(line, " \t")
		if idx < 0 {
			return nil, fmt.Errorf("%w: malformed manifest line %q", internal.ErrValidation, line)
		}
		digest := line[:idx]
		rel := strings.TrimLeft(line[idx:], " \t")
		entries[path.Clean(rel)] = strings.ToLower(digest)
	}
	return entries, scanner.Err()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
