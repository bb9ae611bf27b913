package calc

import "sort"

// Dependency is a read edge from a virtual tag to one of its source tags,
// tagged with the calculation kind that needs it.
type Dependency struct {
	SourceTag string `json:"source_tag"`
	Kind      Kind   `json:"dependency_type"`
}

// ExtractDependencies compiles def and returns the source tags it reads.
func ExtractDependencies(def Definition) ([]Dependency, error) {
	program, err := Compile(def)
	if err != nil {
		return nil, err
	}
	return program.Dependencies(), nil
}

func dependenciesOf(kind Kind, tags []string) []Dependency {
	seen := make(map[string]struct{}, len(tags))
	deps := make([]Dependency, 0, len(tags))
	for _, tag := range tags {
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		deps = append(deps, Dependency{SourceTag: tag, Kind: kind})
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].SourceTag < deps[j].SourceTag })
	return deps
}

// SourceTags returns just the tag names of deps.
func SourceTags(deps []Dependency) []string {
	tags := make([]string, len(deps))
	for i, d := range deps {
		tags[i] = d.SourceTag
	}
	return tags
}
