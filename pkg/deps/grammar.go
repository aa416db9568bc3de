// Package deps detects missing Python packages in failure output and asks
// a sandbox to install them.
//
// Recognized shapes, matched against the last occurrence in the output
// since a traceback ends with the exception that was actually raised:
//
//	ModuleNotFoundError: No module named 'scipy'
//	ModuleNotFoundError: No module named 'scipy.spatial'
//	ModuleNotFoundError: No module named 'a.b'; 'a' is not a package
//	ImportError: No module named scipy
//	ImportError: No module named 'scipy'
//
// The captured name is reduced to its top-level module. "ImportError:
// cannot import name X from Y" is not a missing package (Y is importable)
// and is left to code repair.
package deps

import (
	"regexp"
	"strings"
)

var missingModulePattern = regexp.MustCompile(
	`(?m)(?:ModuleNotFoundError|ImportError): No module named ['"]?([A-Za-z0-9_.\-]+)['"]?`)

// validName restricts what may be passed to the installer.
var validName = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ExtractMissingPackage returns the top-level module named by the last
// missing-module error in stderr, or "" if there is none.
func ExtractMissingPackage(stderr string) string {
	matches := missingModulePattern.FindAllStringSubmatch(stderr, -1)
	if len(matches) == 0 {
		return ""
	}
	name := matches[len(matches)-1][1]
	name = strings.Trim(name, ".")
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return ""
	}
	return name
}

// Safe reports whether module may be installed: a plain identifier-like
// name that is not part of the standard library.
func Safe(module string) bool {
	if module == "" || !validName.MatchString(module) {
		return false
	}
	if strings.HasPrefix(module, "-") || strings.HasPrefix(module, ".") {
		return false
	}
	return !stdlib[strings.ToLower(module)]
}

// Distribution maps an import name to the name it is published under.
func Distribution(module string) string {
	if d, ok := distributions[module]; ok {
		return d
	}
	if d, ok := distributions[strings.ToLower(module)]; ok {
		return d
	}
	return module
}

// distributions lists import names that differ from their package name.
var distributions = map[string]string{
	"cv2":          "opencv-python",
	"PIL":          "Pillow",
	"pil":          "Pillow",
	"yaml":         "PyYAML",
	"sklearn":      "scikit-learn",
	"skimage":      "scikit-image",
	"bs4":          "beautifulsoup4",
	"dateutil":     "python-dateutil",
	"dotenv":       "python-dotenv",
	"Crypto":       "pycryptodome",
	"serial":       "pyserial",
	"usb":          "pyusb",
	"attr":         "attrs",
	"docx":         "python-docx",
	"pptx":         "python-pptx",
	"fitz":         "PyMuPDF",
	"OpenGL":       "PyOpenGL",
	"gi":           "PyGObject",
	"wx":           "wxPython",
	"magic":        "python-magic",
	"jwt":          "PyJWT",
	"google":       "protobuf",
	"zmq":          "pyzmq",
	"Levenshtein":  "python-Levenshtein",
	"mpl_toolkits": "matplotlib",
	"pydub":        "pydub",
}

// stdlib holds standard library modules; these are never installed.
var stdlib = toSet(
	"abc", "argparse", "array", "ast", "asyncio", "base64", "bisect", "builtins",
	"calendar", "cmath", "collections", "colorsys", "concurrent", "contextlib",
	"copy", "csv", "ctypes", "dataclasses", "datetime", "decimal", "difflib",
	"enum", "errno", "fractions", "functools", "gc", "glob", "hashlib", "heapq",
	"hmac", "html", "http", "importlib", "inspect", "io", "itertools", "json",
	"logging", "math", "multiprocessing", "numbers", "operator", "os", "pathlib",
	"pickle", "platform", "pprint", "queue", "random", "re", "secrets", "select",
	"shlex", "shutil", "signal", "socket", "sqlite3", "statistics", "string",
	"struct", "subprocess", "sys", "tempfile", "textwrap", "threading", "time",
	"timeit", "tkinter", "traceback", "types", "typing", "unittest", "urllib",
	"uuid", "warnings", "weakref", "xml", "zipfile", "zlib",
)

func toSet(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}
