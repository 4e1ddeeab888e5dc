package codegen

import (
	"fmt"
	"strings"

	"github.com/JamesMBartlett/bpftrace/internal/ast"
	"github.com/JamesMBartlett/bpftrace/internal/services"
)

// LowerProgram drives the whole probe list (spec §4.6), producing one
// module-level function per resolved attach point.
func (g *Generator) LowerProgram(prog *ast.Program) error {
	for _, p := range prog.Probes {
		if err := g.lowerProbe(p); err != nil {
			return err
		}
	}
	return nil
}

// lowerProbe implements spec §4.6 step 2: a probe with a single,
// non-wildcarded, non-USDT attach point needs no expansion at all — it
// generates one program whose probefull is the probe's own declared name,
// skipping wildcard resolution entirely. Everything else goes through
// lowerExpandedProbe.
func (g *Generator) lowerProbe(p *ast.Probe) error {
	if len(p.AttachPoints) == 1 {
		ap := p.AttachPoints[0]
		if !needsExpansion(ap) {
			return g.emitProgram(p, ap, ap.Function, p.Name, 0, -1)
		}
	}
	return g.lowerExpandedProbe(p)
}

func needsExpansion(ap *ast.AttachPoint) bool {
	switch ap.Provider {
	case "BEGIN", "END":
		return false
	case "usdt":
		return true // always resolved through USDT.Find's location count
	default:
		return strings.ContainsAny(ap.Function, "*?") || strings.ContainsAny(ap.Target, "*?")
	}
}

// lowerExpandedProbe iterates every attach point of a probe that needs
// expansion, calling out to wildcard resolution for concrete matches (or,
// for USDT, further expanding each resolved match's num_locations),
// saving and restoring counters across siblings so identical probe text
// produces identical per-call-site ids on every expansion (spec §4.6 step
// 3-4).
func (g *Generator) lowerExpandedProbe(p *ast.Probe) error {
	before := g.counters
	var after Counters
	haveAfter := false
	idx := 0

	for _, ap := range p.AttachPoints {
		matches, err := g.resolveMatches(ap)
		if err != nil {
			return err
		}
		for _, match := range matches {
			if ap.Provider == "usdt" {
				specs, err := g.cfg.Services.USDT.Find(0, ap.Target, ap.NS, match)
				if err != nil {
					return &ResolutionError{What: "USDT probe", Name: match, Err: err}
				}
				for loc := range specs {
					probeFull := fmt.Sprintf("%s_loc%d", fullyQualifiedName(ap.Provider, ap.Target, ap.NS, match), loc)
					g.counters = before
					if err := g.emitProgram(p, ap, match, probeFull, idx, loc); err != nil {
						return err
					}
					if !haveAfter {
						after, haveAfter = g.counters, true
					}
					idx++
				}
				continue
			}

			probeFull := fullyQualifiedName(ap.Provider, ap.Target, ap.NS, match)
			g.counters = before
			if err := g.emitProgram(p, ap, match, probeFull, idx, -1); err != nil {
				return err
			}
			if !haveAfter {
				after, haveAfter = g.counters, true
			}
			idx++
		}
	}

	if haveAfter {
		g.counters = after
	}
	return nil
}

// resolveMatches returns the ordered set of concrete attach-point matches
// for ap. BEGIN/END providers are always a single literal; every other
// provider (including tracepoint and uprobe/uretprobe, whose "category:
// function" or "path:symbol" split already lives in ap.Target/ap.Function)
// is expanded via the wildcard resolver.
func (g *Generator) resolveMatches(ap *ast.AttachPoint) ([]string, error) {
	if ap.Provider == "BEGIN" || ap.Provider == "END" {
		return []string{ap.Function}, nil
	}
	matches, err := g.cfg.Services.Wildcards.FindWildcardMatches(services.AttachPointQuery{
		Provider: ap.Provider,
		Target:   ap.Target,
		NS:       ap.NS,
		Function: ap.Function,
	})
	if err != nil {
		return nil, &ResolutionError{What: "attach point", Name: fullyQualifiedName(ap.Provider, ap.Target, ap.NS, ap.Function), Err: err}
	}
	return matches, nil
}

func fullyQualifiedName(provider, target, ns, function string) string {
	parts := []string{provider}
	if target != "" {
		parts = append(parts, target)
	}
	if ns != "" {
		parts = append(parts, ns)
	}
	if function != "" {
		parts = append(parts, function)
	}
	return strings.Join(parts, ":")
}

// emitProgram lowers one probe's predicate and statements into a fresh
// function: signature `(ptr ctx) -> i64`, section `s_<probefull>_<index>`
// (spec §4.6 step 1, 5). The scalar variable table and loop stack are reset
// since each generated program has its own stack frame.
func (g *Generator) emitProgram(p *ast.Probe, ap *ast.AttachPoint, resolvedFunction, probeFull string, idx, usdtLoc int) error {
	g.scalarVars = make(map[string]scalarSlot)
	g.loopStack = nil
	g.curAttachPoint = &ast.AttachPoint{Provider: ap.Provider, Target: ap.Target, NS: ap.NS, Function: resolvedFunction, Loc: ap.Loc}
	g.curUsdtLoc = usdtLoc
	g.curProbeFullName = probeFull

	sanitized := sanitizeMapName(probeFull)
	section := fmt.Sprintf("s_%s_%d", sanitized, idx)
	name := fmt.Sprintf("prog_%s_%d", sanitized, idx)

	g.beginFunction(name, section)
	if err := g.lowerPredicate(p.Predicate); err != nil {
		return err
	}
	if err := g.LowerStmts(p.Stmts); err != nil {
		return err
	}
	g.emit("ret i64 0")
	g.finalizeFunction()
	return nil
}

// lowerPredicate gates the rest of the program on Expr being non-zero,
// returning 0 immediately otherwise (spec §4.6 step 5).
func (g *Generator) lowerPredicate(pred *ast.Predicate) error {
	if pred == nil {
		return nil
	}
	val, release, err := g.LowerExpr(pred.Expr)
	if err != nil {
		return err
	}
	condReg := g.widenTo64(val)
	if release != nil {
		release()
	}
	isZero := g.nextTemp()
	g.emit(fmt.Sprintf("%s = icmp eq i64 %s, 0", isZero, condReg))
	failLabel := g.nextLabel("predfail")
	passLabel := g.nextLabel("predpass")
	g.emit(fmt.Sprintf("br i1 %s, label %%%s, label %%%s", isZero, failLabel, passLabel))
	g.label(failLabel)
	g.emit("ret i64 0")
	g.label(passLabel)
	return nil
}

// beginFunction opens a new per-program function, entering its first block.
func (g *Generator) beginFunction(name, section string) {
	g.fn = &function{Name: name, Section: section}
	g.label("entry")
}

// finalizeFunction renders the accumulated body into a `define` block and
// appends it to the module's function list.
func (g *Generator) finalizeFunction() {
	var b strings.Builder
	fmt.Fprintf(&b, "define i64 @%s(ptr %%ctx) section %q {\n", g.fn.Name, g.fn.Section)
	for _, line := range g.fn.Body {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("}")
	g.functions = append(g.functions, b.String())
	g.fn = nil
}
