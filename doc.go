// Package q8conv implements 8-bit quantized depthwise convolution
// microkernels for CPU inference, together with the verification
// machinery needed to prove them correct.
//
// The kernels follow the affine quantization model: input and weight
// bytes carry zero points, accumulation happens in 32-bit integers, and
// the accumulator is brought back to 8 bits through a saturating Q31
// fixed-point requantization. Weights are packed into channel tiles so
// a kernel can stream one tile of channels per inner-loop iteration,
// and input samples are addressed through an indirection table rather
// than materialized patches.
//
// DepthwiseTester is the heart of the package: it generates randomized
// convolution problems, computes an exact integer reference result,
// derives the requantization parameters a kernel must honor, and checks
// the kernel's quantized output against the reference within the
// accepted rounding slack. Any routine matching the DepthwiseKernel
// contract can be verified, including implementations living outside
// this module.
package q8conv
