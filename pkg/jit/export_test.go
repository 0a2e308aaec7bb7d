package jit

// Interpret runs ids on the reference interpreter; the frame pointer is
// emulated, so frame only needs to cover the user area.
var Interpret = interpret
