package codegen

// emitInlineHelpers emits, once per module, the always-inline log2/linear
// bucket-index functions (spec §4.3), placed in a "helpers" section.
func (g *Generator) emitInlineHelpers() {
	if g.inlineHelpersEmitted {
		return
	}
	g.inlineHelpersEmitted = true
	g.functions = append(g.functions, log2Def, linearDef)
}

// log2Def computes bucket 0 for n<0, bucket 1 for n=0, otherwise
// 2+floor(log2(n)) via a 5-step binary descent over shifts {16,8,4,2,1}
// applied to the running exponent, matching the original's createLog2Function
// exactly, including its ~32-bit-magnitude limitation: values with a highest
// set bit above bit 31 alias to the same bucket as their low 32 bits, since
// the descent never inspects bits 32-63.
const log2Def = `define linkonce_odr i64 @__log2(i64 %n) alwaysinline section "helpers" {
entry:
  %isneg = icmp slt i64 %n, 0
  br i1 %isneg, label %ret0, label %chkzero
chkzero:
  %iszero = icmp eq i64 %n, 0
  br i1 %iszero, label %ret1, label %descend
descend:
  %hi16.cmp = lshr i64 %n, 16
  %hi16.gt = icmp ne i64 %hi16.cmp, 0
  %v1 = select i1 %hi16.gt, i64 %hi16.cmp, i64 %n
  %r1 = select i1 %hi16.gt, i64 16, i64 0
  %hi8.cmp = lshr i64 %v1, 8
  %hi8.gt = icmp ne i64 %hi8.cmp, 0
  %v2 = select i1 %hi8.gt, i64 %hi8.cmp, i64 %v1
  %r2 = select i1 %hi8.gt, i64 8, i64 0
  %r2sum = add i64 %r1, %r2
  %hi4.cmp = lshr i64 %v2, 4
  %hi4.gt = icmp ne i64 %hi4.cmp, 0
  %v3 = select i1 %hi4.gt, i64 %hi4.cmp, i64 %v2
  %r3 = select i1 %hi4.gt, i64 4, i64 0
  %r3sum = add i64 %r2sum, %r3
  %hi2.cmp = lshr i64 %v3, 2
  %hi2.gt = icmp ne i64 %hi2.cmp, 0
  %v4 = select i1 %hi2.gt, i64 %hi2.cmp, i64 %v3
  %r4 = select i1 %hi2.gt, i64 2, i64 0
  %r4sum = add i64 %r3sum, %r4
  %hi1.cmp = lshr i64 %v4, 1
  %hi1.gt = icmp ne i64 %hi1.cmp, 0
  %r5 = select i1 %hi1.gt, i64 1, i64 0
  %r5sum = add i64 %r4sum, %r5
  %bucket = add i64 %r5sum, 2
  ret i64 %bucket
ret0:
  ret i64 0
ret1:
  ret i64 1
}`

// linearDef computes 0 for value<min, 1+(max-min)/step for value>max, and
// 1+(value-min)/step otherwise, with unsigned division throughout (spec
// §4.3).
const linearDef = `define linkonce_odr i64 @__linear(i64 %value, i64 %min, i64 %max, i64 %step) alwaysinline section "helpers" {
entry:
  %lt = icmp slt i64 %value, %min
  br i1 %lt, label %retzero, label %chkhigh
chkhigh:
  %gt = icmp sgt i64 %value, %max
  br i1 %gt, label %rethigh, label %retmid
retzero:
  ret i64 0
rethigh:
  %range = sub i64 %max, %min
  %hidiv = udiv i64 %range, %step
  %hibucket = add i64 %hidiv, 1
  ret i64 %hibucket
retmid:
  %off = sub i64 %value, %min
  %middiv = udiv i64 %off, %step
  %midbucket = add i64 %middiv, 1
  ret i64 %midbucket
}`
