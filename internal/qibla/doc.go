// Package qibla holds the pure geometry behind the compass: the great-circle
// bearing to the Kaaba, magnetometer signal quality tiers and the alignment
// math that turns a heading plus a bearing into turn guidance.
//
// Nothing in this package blocks or keeps state.
package qibla
