// Package roles derives the canonical authorization role shown by the UI.
// The role is a hint: real authorization decisions stay on the server.
package roles

import "strings"

type Role string

const (
	Profesor Role = "profesor"
	Alumno   Role = "alumno"
)

// Default is the least-privilege role used whenever nothing resolves.
const Default = Alumno

// Known spellings per role across realm configurations. Matching is
// case-insensitive.
var (
	profesorVariants = []string{"profesor", "profesor_client_role", "teacher", "admin"}
	alumnoVariants   = []string{"alumno", "alumno_client_role", "student"}
)

// Normalize maps an arbitrary role spelling to its canonical value.
func Normalize(raw string) (Role, bool) {
	lowered := strings.ToLower(strings.TrimSpace(raw))
	for _, v := range profesorVariants {
		if lowered == v {
			return Profesor, true
		}
	}
	for _, v := range alumnoVariants {
		if lowered == v {
			return Alumno, true
		}
	}
	return "", false
}

// matchSet reports which canonical roles a candidate set contains.
func matchSet(candidates []string) (hasProfesor, hasAlumno bool) {
	for _, candidate := range candidates {
		role, ok := Normalize(candidate)
		if !ok {
			continue
		}
		switch role {
		case Profesor:
			hasProfesor = true
		case Alumno:
			hasAlumno = true
		}
	}
	return hasProfesor, hasAlumno
}
