package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

const schemaFile = "experiment.schema.cue"

// experimentSchema constrains CUE descriptions. A description file holds an
// experiment value that unifies with #Experiment.
const experimentSchema = `
#State: "NEW" | "DISCOVERED" | "PROVISIONED" | "READY" | "STARTED" | "STOPPED" | "RELEASED"

#Name: string & =~"^[A-Za-z0-9_.-]+$"

#Delay: string & =~"^([0-9]+(\\.[0-9]+)?(h|m|s|ms|us))?$"

#Resource: {
	name: #Name
	type: string & =~"^[A-Za-z0-9_]+::[A-Za-z0-9_]+$"
	guid?: int & >=0
	attributes?: [string]: string | number | bool
	traces?: [...string]
}

#Connection: {
	from: #Name
	to:   #Name
}

#Condition: {
	targets: [#Name, ...#Name]
	action:  "START" | "STOP"
	after: [#Name, ...#Name]
	state:  #State
	delay?: #Delay
}

#ScheduledSet: {
	resource:  #Name
	attribute: string
	value:     string | number | bool
	after?: [...#Name]
	state:  #State
	delay?: #Delay
}

#Experiment: {
	name: string
	resources: [#Resource, ...#Resource]
	connections?: [...#Connection]
	conditions?: [...#Condition]
	schedule?: [...#ScheduledSet]
	wait?: [...#Name]
}
`

var (
	schemaOnce sync.Once
	schemaVal  cue.Value
	schemaErr  error
)

// schema compiles the experiment schema once. Values from different contexts
// cannot be unified, so every parser shares the same context.
func schema() (cue.Value, error) {
	schemaOnce.Do(func() {
		v := sharedContext().CompileString(experimentSchema, cue.Filename(schemaFile))
		if err := v.Err(); err != nil {
			schemaErr = fmt.Errorf("failed to compile experiment schema: %w", err)
			return
		}
		schemaVal = v.LookupPath(cue.ParsePath("#Experiment"))
	})
	return schemaVal, schemaErr
}

var (
	cueCtxOnce sync.Once
	cueCtx     *cue.Context

	// cueMu serializes use of the shared context, which is not safe for
	// concurrent use.
	cueMu sync.Mutex
)

func sharedContext() *cue.Context {
	cueCtxOnce.Do(func() { cueCtx = cuecontext.New() })
	return cueCtx
}

// Schema returns the CUE source of the experiment schema.
func Schema() string {
	return experimentSchema
}
