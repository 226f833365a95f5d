package web

const indexHTML = `<!doctype html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width,initial-scale=1">
<title>Qibla</title>
<style>
body{font-family:sans-serif;text-align:center;background:#111;color:#eee;margin:0;padding:1em}
#arrow{font-size:96px;display:inline-block;transition:transform .2s linear}
.aligned #arrow{color:#4caf50}
.stale{opacity:.5}
button{margin:.3em;padding:.5em 1em}
</style>
</head>
<body>
<h1>Qibla</h1>
<div id="phase"></div>
<div id="arrow">&#x2191;</div>
<h2 id="guidance"></h2>
<p id="detail"></p>
<p id="status"></p>
<button onclick="post('recenter')">Re-center</button>
<button onclick="post('retry')">Retry</button>
<script>
function post(a){fetch('/api/'+a,{method:'POST'})}
function render(s){
  document.getElementById('phase').textContent=s.phase;
  document.getElementById('arrow').style.transform='rotate('+s.arrow_rotation_deg+'deg)';
  document.getElementById('guidance').textContent=s.guidance_text||'';
  document.getElementById('status').textContent=s.status;
  document.getElementById('detail').textContent=s.has_position?
    ('Bearing '+s.bearing_deg.toFixed(1)+'°, '+Math.round(s.distance_km)+' km'):'';
  document.body.className=(s.alignment&&s.alignment.aligned?'aligned ':'')+(s.sensors_stale?'stale':'');
}
function connect(){
  var ws=new WebSocket((location.protocol==='https:'?'wss://':'ws://')+location.host+'/api/stream');
  ws.onmessage=function(e){render(JSON.parse(e.data))};
  ws.onclose=function(){setTimeout(connect,1000)};
}
connect();
</script>
</body>
</html>
`
