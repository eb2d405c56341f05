// Package policy checks experiment descriptions against Rego policies
// before they run.
//
// Each policy is a Rego module whose deny set lists violations. An entry is
// either a message string or an object:
//
//	{"message": "...", "severity": "error", "resource": "node1"}
//
// Violations of severity error or critical block the run; info and warning
// violations are reported and the run goes ahead.
//
// # Input
//
// Policies see the description under input.experiment, with the same field
// names as the YAML form, and evaluation details under input.context:
//
//	input.experiment.resources[_].name
//	input.experiment.resources[_].type
//	input.experiment.resources[_].attributes
//	input.experiment.connections[_].from
//	input.experiment.conditions[_].after
//	input.context.operation   # "validate" or "run"
//
// # Built-in Policies
//
//   - resource-naming: lowercase names, at most 63 characters
//   - application-placement: a linux::Application runs on exactly one linux::Node
//   - start-deadlock: a resource cannot wait to have started before starting
//   - plaintext-credentials: warns about passwords in descriptions
//
// # Custom Policies
//
// Policies load from .rego files, named after the file, or from .json files
// holding a Policy. The leading comment block of a .rego file is its
// description, and a "# severity: error" line in it sets the default
// severity:
//
//	# The lab has two machines.
//	# severity: error
//	package lab.limits
//
//	import rego.v1
//
//	deny contains msg if {
//	    count(input.experiment.resources) > 2
//	    msg := "too many resources"
//	}
//
// Loader.Watch reloads policies when their files change.
package policy
