package macro

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/joho/godotenv"
)

// Job identifies the pipeline job a run belongs to.
type Job struct {
	Name        string
	BuildNumber int
	Workspace   string
}

// VarsOptions controls which sources feed the build-context variables.
// Later sources override earlier ones: Env, git metadata, VarsFile, Job,
// Overrides.
type VarsOptions struct {
	Env       []string // KEY=VALUE pairs, usually os.Environ()
	VarsFile  string   // optional dotenv file
	Git       bool     // read GIT_* variables from the workspace repository
	Job       Job
	Overrides map[string]string
}

// CollectVars assembles the variables available to tag templates.
func CollectVars(opts VarsOptions) (map[string]string, error) {
	vars := make(map[string]string)

	for _, kv := range opts.Env {
		k, v, ok := strings.Cut(kv, "=")
		if ok && k != "" {
			vars[k] = v
		}
	}

	if opts.Git && opts.Job.Workspace != "" {
		gitVars, err := GitVars(opts.Job.Workspace)
		if err != nil && !errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("reading git metadata: %w", err)
		}
		for k, v := range gitVars {
			vars[k] = v
		}
	}

	if opts.VarsFile != "" {
		fileVars, err := godotenv.Read(opts.VarsFile)
		if err != nil {
			return nil, fmt.Errorf("reading vars file: %w", err)
		}
		for k, v := range fileVars {
			vars[k] = v
		}
	}

	if opts.Job.Name != "" {
		vars["JOB_NAME"] = opts.Job.Name
		vars["JOB_SLUG"] = Slug(opts.Job.Name)
	}
	if opts.Job.BuildNumber > 0 {
		vars["BUILD_NUMBER"] = strconv.Itoa(opts.Job.BuildNumber)
	}
	if opts.Job.Workspace != "" {
		vars["WORKSPACE"] = opts.Job.Workspace
	}

	for k, v := range opts.Overrides {
		vars[k] = v
	}

	addVersionParts(vars)
	return vars, nil
}

// GitVars reads commit, branch and tag information from the repository
// containing dir. Returns git.ErrRepositoryNotExists when dir is not inside
// a repository.
func GitVars(dir string) (map[string]string, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, err
	}

	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			// Fresh repository without commits.
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("resolving HEAD: %w", err)
	}

	sha := head.Hash().String()
	vars := map[string]string{
		"GIT_COMMIT":       sha,
		"GIT_COMMIT_SHORT": Short(sha),
	}
	if head.Name().IsBranch() {
		vars["GIT_BRANCH"] = head.Name().Short()
	}

	if tag, err := tagAt(repo, head.Hash()); err == nil && tag != "" {
		vars["GIT_TAG"] = tag
	}
	return vars, nil
}

// tagAt returns the name of a tag pointing at hash, lightweight or annotated.
func tagAt(repo *git.Repository, hash plumbing.Hash) (string, error) {
	iter, err := repo.Tags()
	if err != nil {
		return "", err
	}
	defer iter.Close()

	var found string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		target := ref.Hash()
		if obj, err := repo.TagObject(target); err == nil {
			commit, err := obj.Commit()
			if err != nil {
				return nil
			}
			target = commit.Hash
		} else if !errors.Is(err, plumbing.ErrObjectNotFound) {
			return err
		}
		if target == hash {
			found = ref.Name().Short()
			return errStopIter
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopIter) {
		return "", err
	}
	return found, nil
}

var errStopIter = errors.New("stop")

// addVersionParts derives VERSION_MAJOR, VERSION_MINOR, VERSION_PATCH and
// VERSION_PRERELEASE from VERSION, falling back to GIT_TAG. Values that are
// not semantic versions are ignored.
func addVersionParts(vars map[string]string) {
	raw := vars["VERSION"]
	if raw == "" {
		raw = vars["GIT_TAG"]
	}
	if raw == "" {
		return
	}
	v, err := semver.NewVersion(raw)
	if err != nil {
		return
	}
	if _, ok := vars["VERSION"]; !ok {
		vars["VERSION"] = v.String()
	}
	vars["VERSION_MAJOR"] = strconv.FormatUint(v.Major(), 10)
	vars["VERSION_MINOR"] = strconv.FormatUint(v.Minor(), 10)
	vars["VERSION_PATCH"] = strconv.FormatUint(v.Patch(), 10)
	if pre := v.Prerelease(); pre != "" {
		vars["VERSION_PRERELEASE"] = pre
	}
}
