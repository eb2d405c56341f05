// Package config reads experiment descriptions and applies them to an
// experiment controller.
//
// # Overview
//
// A description names the resources of an experiment, the connections
// between them, the conditions that order their start and stop, and
// attribute changes to make while the experiment runs. It can be written
// in three languages:
//
//   - YAML (or JSON), decoded strictly so that unknown keys are errors
//   - CUE, checked against the #Experiment schema returned by Schema
//   - Starlark, for descriptions built in loops; the script assigns the
//     global experiment
//
// Every format decodes into the same Description, which Validate checks
// for field constraints and dangling names. Problems are reported as
// ValidationErrors with file and line where the format provides them.
//
// # Usage Example
//
//	loader := config.NewLoader(0)
//	desc, err := loader.Load(ctx, "ping.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	guids, err := config.Apply(ec, desc)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	_ = ec.Deploy(ctx, nil, true)
//	_ = ec.WaitFinished(ctx, config.WaitGroup(desc, guids))
//
// # YAML Descriptions
//
//	name: ping
//	resources:
//	  - name: node
//	    type: linux::Node
//	    attributes:
//	      hostname: node1.example.org
//	      username: alice
//	  - name: ping
//	    type: linux::Application
//	    attributes:
//	      command: ping -c 3 10.0.0.2
//	    traces: [stdout]
//	connections:
//	  - {from: ping, to: node}
//
// # Starlark Descriptions
//
// Scripts get three helpers: resource, connect and after.
//
//	nodes = [resource("node%d" % i, "dummy::Node") for i in range(3)]
//	apps = [resource("app%d" % i, "dummy::Application") for i in range(3)]
//	experiment = {
//	    "name": "fanout",
//	    "resources": nodes + apps,
//	    "connections": [connect(a, n) for a, n in zip(apps, nodes)],
//	    "conditions": [after(apps[1:], "START", apps[:1], "STARTED", "2s")],
//	}
package config
