package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		resourceNamingPolicy(),
		applicationPlacementPolicy(),
		startDeadlockPolicy(),
		plaintextCredentialsPolicy(),
	}
}

// resourceNamingPolicy keeps resource names usable as directory names and
// labels.
func resourceNamingPolicy() Policy {
	return Policy{
		Name:        "resource-naming",
		Description: "Resource names are lowercase letters, digits, hyphens and underscores",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"naming", "conventions"},
		Rego: `package netexp.policies.naming

import rego.v1

deny contains violation if {
	some resource in input.experiment.resources
	not regex.match("^[a-z][a-z0-9_-]*$", resource.name)
	violation := {
		"message": sprintf("Resource name '%s' should start with a lowercase letter and contain only lowercase letters, digits, hyphens and underscores", [resource.name]),
		"resource": resource.name,
	}
}

deny contains violation if {
	some resource in input.experiment.resources
	count(resource.name) > 63
	violation := {
		"message": sprintf("Resource name '%s' must not exceed 63 characters", [resource.name]),
		"severity": "error",
		"resource": resource.name,
	}
}`,
	}
}

// applicationPlacementPolicy requires every Linux application to run on
// exactly one Linux node.
func applicationPlacementPolicy() Policy {
	return Policy{
		Name:        "application-placement",
		Description: "Every linux::Application is connected to exactly one linux::Node",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"topology"},
		Rego: `package netexp.policies.placement

import rego.v1

types := {r.name: r.type | some r in input.experiment.resources}

peers(name) := {peer |
	some c in input.experiment.connections
	some pair in [[c.from, c.to], [c.to, c.from]]
	pair[0] == name
	peer := pair[1]
}

nodes(name) := {peer | some peer in peers(name); types[peer] == "linux::Node"}

deny contains violation if {
	some resource in input.experiment.resources
	resource.type == "linux::Application"
	count(nodes(resource.name)) == 0
	violation := {
		"message": sprintf("Application '%s' is not connected to any linux::Node", [resource.name]),
		"resource": resource.name,
	}
}

deny contains violation if {
	some resource in input.experiment.resources
	resource.type == "linux::Application"
	count(nodes(resource.name)) > 1
	violation := {
		"message": sprintf("Application '%s' is connected to %d nodes, expected one", [resource.name, count(nodes(resource.name))]),
		"resource": resource.name,
	}
}`,
	}
}

// startDeadlockPolicy rejects start conditions that wait for the target
// itself to have started, which can never hold.
func startDeadlockPolicy() Policy {
	return Policy{
		Name:        "start-deadlock",
		Description: "A resource cannot wait to have started before it starts",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"conditions"},
		Rego: `package netexp.policies.deadlock

import rego.v1

started_or_later := {"STARTED", "STOPPED", "RELEASED"}

deny contains violation if {
	some c in input.experiment.conditions
	upper(c.action) == "START"
	upper(c.state) in started_or_later
	some target in c.targets
	target in c.after
	violation := {
		"message": sprintf("Resource '%s' waits for itself to reach %s before it can start", [target, upper(c.state)]),
		"resource": target,
	}
}`,
	}
}

// plaintextCredentialsPolicy warns about passwords written into
// descriptions.
func plaintextCredentialsPolicy() Policy {
	return Policy{
		Name:        "plaintext-credentials",
		Description: "Passwords in descriptions are readable by anyone with the file",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"security"},
		Rego: `package netexp.policies.credentials

import rego.v1

deny contains violation if {
	some resource in input.experiment.resources
	resource.attributes.password
	violation := {
		"message": sprintf("Resource '%s' has a plaintext password; prefer identity or agent authentication", [resource.name]),
		"resource": resource.name,
	}
}`,
	}
}
