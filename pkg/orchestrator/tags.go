package orchestrator

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/berth/pkg/errdefs"
)

var (
	safeTagPattern     = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)
	releaseTagPattern  = regexp.MustCompile(`^v\d+\.\d+\.\d+$`)
	localTagPattern    = regexp.MustCompile(`^local(-[a-z0-9][a-z0-9._-]*)?$`)
	containerIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)
)

type tagClass int

const (
	tagRelease tagClass = iota
	tagPreview
	tagLocal
)

// classifyTag validates tag and returns its class. A tag with unsafe
// characters is invalid_tag; a safe tag outside the allowed classes is
// tag_not_allowed.
func classifyTag(tag, preview string) (tagClass, error) {
	if !safeTagPattern.MatchString(tag) {
		return 0, errdefs.Newf(errdefs.CodeInvalidTag, "%q is not a valid version tag.", tag)
	}
	switch {
	case preview != "" && tag == preview:
		return tagPreview, nil
	case releaseTagPattern.MatchString(tag):
		return tagRelease, nil
	case localTagPattern.MatchString(tag):
		return tagLocal, nil
	}
	return 0, errdefs.Newf(errdefs.CodeTagNotAllowed, "Version %s cannot be installed.", tag)
}

func isLocalTag(tag string) bool {
	return localTagPattern.MatchString(tag)
}

func validContainerID(id string) error {
	if !containerIDPattern.MatchString(id) {
		return errdefs.New(errdefs.CodeInvalidContainerID, "")
	}
	return nil
}

// matchesID accepts a full id or an unambiguous prefix of at least 12 characters
func matchesID(full, id string) bool {
	return full == id || (len(id) >= 12 && strings.HasPrefix(full, id))
}

const retainedInfix = "_retained_"

// retainedName names a demoted instance so that its tag and demotion time
// survive in the runtime
func retainedName(prefix, tag string, at time.Time) string {
	return fmt.Sprintf("%s%s%s_%d", prefix, retainedInfix, tag, at.UnixMilli())
}

// parseRetainedName is the inverse of retainedName
func parseRetainedName(prefix, name string) (tag string, at time.Time, ok bool) {
	rest, found := strings.CutPrefix(name, prefix+retainedInfix)
	if !found {
		return "", time.Time{}, false
	}
	i := strings.LastIndexByte(rest, '_')
	if i <= 0 {
		return "", time.Time{}, false
	}
	millis, err := strconv.ParseInt(rest[i+1:], 10, 64)
	if err != nil {
		return "", time.Time{}, false
	}
	return rest[:i], time.UnixMilli(millis).UTC(), true
}
